package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/artpar/tokenledger/app"
	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/artpar/tokenledger/domain/quota"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// QuotaHandler provides the quota admin endpoints.
type QuotaHandler struct {
	ledger *app.QuotaLedger
	logger zerolog.Logger
}

// QuotaView is a quota row with its derived figures in dollars.
type QuotaView struct {
	quota.UserQuota
	PeriodCostUSD     string `json:"periodCostUsd"`
	CostLimitUSD      string `json:"costLimitUsd"`
	BonusUSD          string `json:"bonusUsd"`
	EffectiveLimitUSD string `json:"effectiveLimitUsd"`
	TotalTokens       int64  `json:"totalTokens"`
	TotalRequests     int64  `json:"totalRequests"`
	TotalCostUSD      string `json:"totalCostUsd"`
	Warning           string `json:"warning"`
}

func newQuotaView(q quota.UserQuota) QuotaView {
	return QuotaView{
		UserQuota:         q,
		PeriodCostUSD:     usd(q.PeriodCostMicros),
		CostLimitUSD:      usd(q.CostLimitMicros),
		BonusUSD:          usd(q.BonusMicros),
		EffectiveLimitUSD: usd(q.EffectiveLimitMicros()),
		TotalTokens:       q.TotalTokens(),
		TotalRequests:     q.TotalRequests(),
		TotalCostUSD:      usd(q.TotalCostMicros()),
		Warning:           q.Warning().String(),
	}
}

// UpdateQuotaRequest is the body of PUT /api/v1/quotas/{userID}.
type UpdateQuotaRequest struct {
	Enabled      bool   `json:"enabled"`
	CostLimitUSD string `json:"costLimitUsd"`
}

// GrantBonusRequest is the body of POST /api/v1/quotas/{userID}/bonus.
type GrantBonusRequest struct {
	AmountUSD string `json:"amountUsd"`
	Reason    string `json:"reason"`
	GrantedBy string `json:"grantedBy"`
}

// GrantBonusResponse returns the updated quota and the audit record.
type GrantBonusResponse struct {
	Quota QuotaView         `json:"quota"`
	Bonus quota.BonusRecord `json:"bonus"`
}

// RolloverResponse reports a manual rollover.
type RolloverResponse struct {
	RolledOver bool           `json:"rolledOver"`
	History    *quota.History `json:"history,omitempty"`
}

// Get handles GET /api/v1/quotas/{userID}.
func (h *QuotaHandler) Get(w http.ResponseWriter, r *http.Request) {
	q, err := h.ledger.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuotaView(q))
}

// Update handles PUT /api/v1/quotas/{userID}.
func (h *QuotaHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	limit, err := decimal.NewFromString(req.CostLimitUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "costLimitUsd must be a decimal amount")
		return
	}

	q, err := h.ledger.UpdateConfig(r.Context(), chi.URLParam(r, "userID"), req.Enabled, pricing.ToMicros(limit))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuotaView(q))
}

// GrantBonus handles POST /api/v1/quotas/{userID}/bonus.
func (h *QuotaHandler) GrantBonus(w http.ResponseWriter, r *http.Request) {
	var req GrantBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	amount, err := decimal.NewFromString(req.AmountUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "amountUsd must be a decimal amount")
		return
	}
	if req.GrantedBy == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "grantedBy is required")
		return
	}

	q, rec, err := h.ledger.GrantBonus(r.Context(), chi.URLParam(r, "userID"), pricing.ToMicros(amount), req.Reason, req.GrantedBy)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, GrantBonusResponse{Quota: newQuotaView(q), Bonus: rec})
}

// ListBonuses handles GET /api/v1/quotas/{userID}/bonuses.
func (h *QuotaHandler) ListBonuses(w http.ResponseWriter, r *http.Request) {
	recs, err := h.ledger.Bonuses(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if recs == nil {
		recs = []quota.BonusRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// History handles GET /api/v1/quotas/{userID}/history?limit=n.
func (h *QuotaHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 12)
	hist, err := h.ledger.History(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if hist == nil {
		hist = []quota.History{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// Rollover handles POST /api/v1/quotas/{userID}/rollover.
func (h *QuotaHandler) Rollover(w http.ResponseWriter, r *http.Request) {
	hist, ok, err := h.ledger.Rollover(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	resp := RolloverResponse{RolledOver: ok}
	if ok {
		resp.History = &hist
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListExceeded handles GET /api/v1/quotas/exceeded.
func (h *QuotaHandler) ListExceeded(w http.ResponseWriter, r *http.Request) {
	qs, err := h.ledger.ListExceeded(r.Context())
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	views := make([]QuotaView, 0, len(qs))
	for _, q := range qs {
		views = append(views, newQuotaView(q))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *QuotaHandler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no quota for this user")
	case errors.Is(err, quota.ErrInvalidAmount), errors.Is(err, quota.ErrInvalidLimit):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	default:
		h.logger.Error().Err(err).Msg("quota request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func usd(micros int64) string {
	return pricing.FromMicros(micros).String()
}

func parseIntQuery(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
