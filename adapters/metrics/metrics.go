// Package metrics provides Prometheus metrics collection for the ledger.
package metrics

import (
	"strconv"
	"time"

	"github.com/artpar/tokenledger/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenledger"

// Collector holds all Prometheus metrics for the ledger.
type Collector struct {
	// Buffer metrics
	BufferEvents   prometheus.Gauge
	EventsReceived *prometheus.CounterVec
	Flushes        *prometheus.CounterVec
	FlushEvents    prometheus.Histogram

	// Settlement metrics
	SettlementBatches  *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	CostUSD            *prometheus.CounterVec
	UnknownPricingHits *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Config metrics
	ConfigReloads    prometheus.Counter
	ConfigLastReload prometheus.Gauge
}

// New creates a new metrics collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		BufferEvents: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffer_events",
				Help:      "Number of events waiting in the buffer",
			},
		),
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Total number of inbound usage events by result",
			},
			[]string{"result"},
		),
		Flushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flushes_total",
				Help:      "Total number of buffer flushes",
			},
			[]string{"trigger", "result"},
		),
		FlushEvents: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_events",
				Help:      "Events written per flush",
				Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
			},
		),

		SettlementBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_batches_total",
				Help:      "Total number of batches handled by settlement",
			},
			[]string{"result"},
		),
		SettlementDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_duration_seconds",
				Help:      "Time spent settling one batch",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_usd_total",
				Help:      "Settled cost in USD by model",
			},
			[]string{"model"},
		),
		UnknownPricingHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unknown_pricing_total",
				Help:      "Batches rejected because a model has no pricing",
			},
			[]string{"model"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// BufferSize sets the buffered event gauge.
func (c *Collector) BufferSize(n int) {
	c.BufferEvents.Set(float64(n))
}

// EventReceived counts one inbound event.
func (c *Collector) EventReceived(result string) {
	c.EventsReceived.WithLabelValues(result).Inc()
}

// Flushed records one flush attempt. Only successful flushes feed the
// size histogram.
func (c *Collector) Flushed(trigger, result string, events int) {
	c.Flushes.WithLabelValues(trigger, result).Inc()
	if result == "ok" {
		c.FlushEvents.Observe(float64(events))
	}
}

// BatchSettled records one batch settlement attempt.
func (c *Collector) BatchSettled(result string, d time.Duration) {
	c.SettlementBatches.WithLabelValues(result).Inc()
	c.SettlementDuration.Observe(d.Seconds())
}

// Cost adds settled cost for a model.
func (c *Collector) Cost(model string, micros int64) {
	if micros <= 0 {
		return
	}
	c.CostUSD.WithLabelValues(model).Add(float64(micros) / 1e6)
}

// UnknownPricing counts a batch rejected for a model without pricing.
func (c *Collector) UnknownPricing(model string) {
	c.UnknownPricingHits.WithLabelValues(model).Inc()
}

// ObserveRequest records one HTTP request against its route pattern.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	c.RequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ConfigReloaded records a successful config reload.
func (c *Collector) ConfigReloaded(at time.Time) {
	c.ConfigReloads.Inc()
	c.ConfigLastReload.Set(float64(at.Unix()))
}

// statusClass reduces a status code to 2xx, 4xx and so on.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status/100) + "xx"
}

var _ ports.PipelineMetrics = (*Collector)(nil)
