package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/artpar/tokenledger/adapters/metrics"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"github.com/rs/zerolog"
)

// maxIngestBody bounds one ingest request.
const maxIngestBody = 10 << 20

// IngestHandler accepts usage events from the gateway.
type IngestHandler struct {
	sink      ports.EventSink
	metrics   *metrics.Collector
	maxEvents int
	logger    zerolog.Logger
}

// IngestResponse reports what happened to each submitted event.
type IngestResponse struct {
	Accepted int          `json:"accepted"`
	Dropped  int          `json:"dropped"`
	Errors   []EventError `json:"errors,omitempty"`
}

// EventError describes one dropped event.
type EventError struct {
	Index   int    `json:"index"`
	EventID string `json:"eventId,omitempty"`
	Detail  string `json:"detail"`
}

// Submit handles POST /api/v1/events. The body is a JSON array of usage
// events. Malformed items are dropped and reported; they never fail the
// request as a whole.
func (h *IngestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)

	var items []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "body must be a JSON array of events: "+err.Error())
		return
	}
	if len(items) > h.maxEvents {
		writeError(w, http.StatusUnprocessableEntity, "too_many_events",
			fmt.Sprintf("at most %d events per request, got %d", h.maxEvents, len(items)))
		return
	}

	var resp IngestResponse
	for i, raw := range items {
		var e usage.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			h.drop(&resp, i, "", err)
			if h.metrics != nil {
				h.metrics.EventReceived("dropped")
			}
			continue
		}
		// The sink counts its own accepted and dropped events.
		if err := h.sink.Add(r.Context(), e); err != nil {
			h.drop(&resp, i, e.EventID, err)
			continue
		}
		resp.Accepted++
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (h *IngestHandler) drop(resp *IngestResponse, index int, eventID string, err error) {
	resp.Dropped++
	resp.Errors = append(resp.Errors, EventError{Index: index, EventID: eventID, Detail: err.Error()})
	h.logger.Warn().Err(err).Int("index", index).Str("event_id", eventID).Msg("usage event dropped")
}
