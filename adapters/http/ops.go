package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/artpar/tokenledger/app"
	"github.com/artpar/tokenledger/ports"
	"github.com/rs/zerolog"
)

// triggerManual labels flushes requested over HTTP.
const triggerManual = "manual"

// OpsHandler exposes manual flush and settlement.
type OpsHandler struct {
	flusher Flusher
	settler Settler
	logger  zerolog.Logger
}

// FlushResponse reports a manual flush.
type FlushResponse struct {
	Flushed int `json:"flushed"`
}

// FlushSettleResponse reports a flush followed by settlement.
type FlushSettleResponse struct {
	Flushed    int        `json:"flushed"`
	Settlement app.Result `json:"settlement"`
}

// runContext detaches a manual run from the request so a client that hangs
// up does not abort it halfway through a batch.
func runContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// Flush handles POST /api/v1/ops/flush.
func (h *OpsHandler) Flush(w http.ResponseWriter, r *http.Request) {
	n, err := h.flusher.Flush(runContext(r), triggerManual)
	if err != nil {
		h.logger.Error().Err(err).Msg("manual flush failed")
		writeError(w, http.StatusServiceUnavailable, "flush_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, FlushResponse{Flushed: n})
}

// Settle handles POST /api/v1/ops/settle.
func (h *OpsHandler) Settle(w http.ResponseWriter, r *http.Request) {
	res, err := h.settler.Settle(runContext(r))
	if err != nil {
		h.settleFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// FlushAndSettle handles POST /api/v1/ops/flush-settle. Settlement still
// runs when the flush fails, so earlier batches are not held back.
func (h *OpsHandler) FlushAndSettle(w http.ResponseWriter, r *http.Request) {
	ctx := runContext(r)
	n, flushErr := h.flusher.Flush(ctx, triggerManual)
	if flushErr != nil {
		h.logger.Error().Err(flushErr).Msg("manual flush failed")
	}

	res, err := h.settler.Settle(ctx)
	if err != nil {
		h.settleFailed(w, err)
		return
	}
	if flushErr != nil {
		writeError(w, http.StatusServiceUnavailable, "flush_failed", flushErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, FlushSettleResponse{Flushed: n, Settlement: res})
}

func (h *OpsHandler) settleFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, ports.ErrLockHeld) {
		writeError(w, http.StatusConflict, "settlement_running", "settlement is running in another process")
		return
	}
	h.logger.Error().Err(err).Msg("manual settlement failed")
	writeError(w, http.StatusServiceUnavailable, "settle_failed", err.Error())
}
