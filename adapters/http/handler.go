// Package http provides the HTTP surface of the ledger: event ingestion,
// operational triggers and quota administration.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/tokenledger/adapters/metrics"
	"github.com/artpar/tokenledger/app"
	"github.com/artpar/tokenledger/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Flusher writes buffered events out as a raw batch.
type Flusher interface {
	Flush(ctx context.Context, trigger string) (int, error)
}

// Settler settles pending raw batches.
type Settler interface {
	Settle(ctx context.Context) (app.Result, error)
}

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the services the router exposes.
type Deps struct {
	Sink           ports.EventSink
	Flusher        Flusher
	Settler        Settler
	Ledger         *app.QuotaLedger
	Health         HealthChecker      // Optional readiness probe
	Metrics        *metrics.Collector // Optional; enables request metrics and the metrics endpoint
	MetricsHandler http.Handler       // Optional exporter (default: promhttp.Handler)
	MetricsPath    string             // Default: /metrics
	MaxEvents      int                // Events per ingest request (default: 1000)
	RequestTimeout time.Duration      // Per-request deadline outside /ops (default: 60s)
	Logger         zerolog.Logger
}

// NewRouter creates the main HTTP router.
func NewRouter(d Deps) chi.Router {
	if d.MaxEvents <= 0 {
		d.MaxEvents = 1000
	}
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(d.Logger))
	r.Use(middleware.Recoverer)

	if d.Metrics != nil {
		r.Use(NewMetricsMiddleware(d.Metrics))
	}

	timeout := middleware.Timeout(d.RequestTimeout)
	health := &HealthHandler{checker: d.Health}
	ingest := &IngestHandler{sink: d.Sink, metrics: d.Metrics, maxEvents: d.MaxEvents, logger: d.Logger}
	ops := &OpsHandler{flusher: d.Flusher, settler: d.Settler, logger: d.Logger}
	quotas := &QuotaHandler{ledger: d.Ledger, logger: d.Logger}

	r.Group(func(r chi.Router) {
		r.Use(timeout)
		r.Get("/health", health.Liveness)
		r.Get("/health/live", health.Liveness)
		r.Get("/health/ready", health.Readiness)

		if d.Metrics != nil {
			h := d.MetricsHandler
			if h == nil {
				h = promhttp.Handler()
			}
			r.Handle(d.MetricsPath, h)
		}
	})

	r.Route("/api/v1", func(r chi.Router) {
		// A settlement run may take as long as its schedule period, so the
		// ops routes carry no deadline.
		r.Route("/ops", func(r chi.Router) {
			r.Post("/flush", ops.Flush)
			r.Post("/settle", ops.Settle)
			r.Post("/flush-settle", ops.FlushAndSettle)
		})

		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Post("/events", ingest.Submit)

			r.Route("/quotas", func(r chi.Router) {
				r.Get("/exceeded", quotas.ListExceeded)
				r.Route("/{userID}", func(r chi.Router) {
					r.Get("/", quotas.Get)
					r.Put("/", quotas.Update)
					r.Post("/bonus", quotas.GrantBonus)
					r.Get("/bonuses", quotas.ListBonuses)
					r.Get("/history", quotas.History)
					r.Post("/rollover", quotas.Rollover)
				})
			})
		})
	})

	return r
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checker HealthChecker
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness checks that the store answers.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.checker != nil {
		if err := h.checker.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewMetricsMiddleware creates middleware that records request metrics
// against the matched route pattern.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipInstrumentation(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.ObserveRequest(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

// NewLoggingMiddleware logs HTTP requests.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if skipInstrumentation(r.URL.Path) {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func skipInstrumentation(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/metrics"
}

// errorBody is the error envelope of every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
