// Package quota provides the monthly cost quota and bonus ledger model.
// All functions are deterministic with no side effects.
package quota

import (
	"errors"
	"maps"
	"time"

	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/shopspring/decimal"
)

// Errors returned by the ledger.
var (
	ErrUserNotFound  = errors.New("quota: user not found")
	ErrInvalidAmount = errors.New("quota: bonus amount must be positive")
	ErrInvalidLimit  = errors.New("quota: cost limit must not be negative")
)

// Defaults are applied to quota rows created on a user's first usage.
type Defaults struct {
	Enabled         bool
	CostLimitMicros int64
}

// UserQuota is one user's quota row (value type).
// Lifetime* fields hold closed periods only; the Total* accessors add the
// open period.
type UserQuota struct {
	UserID string `json:"userId"`

	LifetimeInputTokens  int64 `json:"lifetimeInputTokens"`
	LifetimeOutputTokens int64 `json:"lifetimeOutputTokens"`
	LifetimeTokens       int64 `json:"lifetimeTokens"`
	LifetimeRequests     int64 `json:"lifetimeRequests"`
	LifetimeCostMicros   int64 `json:"lifetimeCostMicros"`

	PeriodYear         int       `json:"periodYear"`
	PeriodMonth        int       `json:"periodMonth"`
	PeriodStart        time.Time `json:"periodStart"`
	PeriodEnd          time.Time `json:"periodEnd"`
	PeriodInputTokens  int64     `json:"periodInputTokens"`
	PeriodOutputTokens int64     `json:"periodOutputTokens"`
	PeriodTokens       int64     `json:"periodTokens"`
	PeriodRequests     int64     `json:"periodRequests"`
	PeriodCostMicros   int64     `json:"periodCostMicros"`

	QuotaEnabled    bool  `json:"quotaEnabled"`
	CostLimitMicros int64 `json:"costLimitMicros"`

	BonusMicros    int64     `json:"bonusMicros"`
	BonusReason    string    `json:"bonusReason,omitempty"`
	BonusGrantedAt time.Time `json:"bonusGrantedAt,omitempty"`

	UsagePercent float64 `json:"usagePercent"`
	Exceeded     bool    `json:"exceeded"`

	FirstSeenAt  time.Time `json:"firstSeenAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TotalInputTokens is lifetime plus open-period input tokens.
func (q UserQuota) TotalInputTokens() int64 { return q.LifetimeInputTokens + q.PeriodInputTokens }

// TotalOutputTokens is lifetime plus open-period output tokens.
func (q UserQuota) TotalOutputTokens() int64 { return q.LifetimeOutputTokens + q.PeriodOutputTokens }

// TotalTokens is lifetime plus open-period tokens.
func (q UserQuota) TotalTokens() int64 { return q.LifetimeTokens + q.PeriodTokens }

// TotalRequests is lifetime plus open-period requests.
func (q UserQuota) TotalRequests() int64 { return q.LifetimeRequests + q.PeriodRequests }

// TotalCostMicros is lifetime plus open-period cost.
func (q UserQuota) TotalCostMicros() int64 { return q.LifetimeCostMicros + q.PeriodCostMicros }

// PeriodCostUSD returns the open period's cost in dollars.
func (q UserQuota) PeriodCostUSD() decimal.Decimal { return pricing.FromMicros(q.PeriodCostMicros) }

// EffectiveLimitMicros is the cost ceiling including bonus credit.
func (q UserQuota) EffectiveLimitMicros() int64 { return q.CostLimitMicros + q.BonusMicros }

// Warning returns how close the user is to the ceiling.
func (q UserQuota) Warning() WarningLevel { return LevelFor(q.UsagePercent) }

// History is the immutable archive of one closed period, keyed by
// (user, year, month).
type History struct {
	UserID            string           `json:"userId"`
	Year              int              `json:"periodYear"`
	Month             int              `json:"periodMonth"`
	PeriodStart       time.Time        `json:"periodStart"`
	PeriodEnd         time.Time        `json:"periodEnd"`
	InputTokens       int64            `json:"inputTokens"`
	OutputTokens      int64            `json:"outputTokens"`
	Tokens            int64            `json:"totalTokens"`
	Requests          int64            `json:"requestCount"`
	CostMicros        int64            `json:"costMicros"`
	CostLimitMicros   int64            `json:"costLimitMicros"`
	BonusMicros       int64            `json:"bonusMicros"`
	QuotaEnabled      bool             `json:"quotaEnabled"`
	FinalUsagePercent float64          `json:"finalUsagePercent"`
	Exceeded          bool             `json:"exceeded"`
	ModelTokens       map[string]int64 `json:"modelTokens"`
	ModelCosts        map[string]int64 `json:"modelCostMicros"`
	ArchivedAt        time.Time        `json:"archivedAt"`
}

// BonusRecord is the append-only audit entry of one bonus grant.
type BonusRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	PeriodYear   int       `json:"periodYear"`
	PeriodMonth  int       `json:"periodMonth"`
	AmountMicros int64     `json:"amountMicros"`
	Reason       string    `json:"reason"`
	GrantedBy    string    `json:"grantedBy"`
	GrantedAt    time.Time `json:"grantedAt"`
}

// ModelTotals is a period's per-model token and cost totals.
type ModelTotals struct {
	Tokens map[string]int64
	Costs  map[string]int64
}

// WarningLevel indicates how close to or over quota the user is.
type WarningLevel int

const (
	WarningNone        WarningLevel = iota // < 80%
	WarningApproaching                     // >= 80%
	WarningCritical                        // >= 95%
	WarningExceeded                        // >= 100%
)

// LevelFor maps a usage percentage to a warning level.
// This is a PURE function.
func LevelFor(percent float64) WarningLevel {
	switch {
	case percent >= 100:
		return WarningExceeded
	case percent >= 95:
		return WarningCritical
	case percent >= 80:
		return WarningApproaching
	default:
		return WarningNone
	}
}

// String returns the string representation of a warning level.
func (w WarningLevel) String() string {
	switch w {
	case WarningNone:
		return "none"
	case WarningApproaching:
		return "approaching"
	case WarningCritical:
		return "critical"
	case WarningExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// PeriodBounds returns the start and end of the UTC calendar month holding t.
// End is the last nanosecond of the month.
// This is a PURE function.
func PeriodBounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return
}

// New creates the quota row for a user seen for the first time.
// This is a PURE function.
func New(userID string, d Defaults, now time.Time) UserQuota {
	now = now.UTC()
	q := UserQuota{
		UserID:          userID,
		QuotaEnabled:    d.Enabled,
		CostLimitMicros: d.CostLimitMicros,
		FirstSeenAt:     now,
		UpdatedAt:       now,
	}
	return openPeriod(q, now)
}

func openPeriod(q UserQuota, now time.Time) UserQuota {
	q.PeriodStart, q.PeriodEnd = PeriodBounds(now)
	q.PeriodYear = q.PeriodStart.Year()
	q.PeriodMonth = int(q.PeriodStart.Month())
	return q
}

// Status computes usage percent (rounded to two places) and the exceeded
// flag, which is set exactly when the rounded percent reaches 100. Both are
// zero when no limit is set.
// This is a PURE function.
func Status(periodCostMicros, limitMicros, bonusMicros int64) (percent float64, exceeded bool) {
	if limitMicros <= 0 {
		return 0, false
	}
	ceiling := limitMicros + bonusMicros
	if ceiling <= 0 {
		return 0, false
	}
	pct := decimal.NewFromInt(periodCostMicros).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(ceiling), 2)
	return pct.InexactFloat64(), pct.GreaterThanOrEqual(decimal.NewFromInt(100))
}

// Recompute refreshes the derived usage fields.
// This is a PURE function.
func Recompute(q UserQuota) UserQuota {
	q.UsagePercent, q.Exceeded = Status(q.PeriodCostMicros, q.CostLimitMicros, q.BonusMicros)
	return q
}

// AddUsage folds one batch's usage into the open period.
// This is a PURE function.
func AddUsage(q UserQuota, d usage.UserDelta, now time.Time) UserQuota {
	q.PeriodInputTokens += d.InputTokens
	q.PeriodOutputTokens += d.OutputTokens
	q.PeriodTokens += d.TotalTokens
	q.PeriodRequests += d.Requests
	q.PeriodCostMicros += d.CostMicros
	if d.LastActiveAt.After(q.LastActiveAt) {
		q.LastActiveAt = d.LastActiveAt.UTC()
	}
	q.UpdatedAt = now.UTC()
	return Recompute(q)
}

// GrantBonus adds bonus credit and returns the updated row with its audit
// record. The record id is left for the caller to assign.
// This is a PURE function.
func GrantBonus(q UserQuota, amountMicros int64, reason, grantedBy string, now time.Time) (UserQuota, BonusRecord, error) {
	if amountMicros <= 0 {
		return q, BonusRecord{}, ErrInvalidAmount
	}
	now = now.UTC()
	q.BonusMicros += amountMicros
	q.BonusReason = reason
	q.BonusGrantedAt = now
	q.UpdatedAt = now
	rec := BonusRecord{
		UserID:       q.UserID,
		PeriodYear:   q.PeriodYear,
		PeriodMonth:  q.PeriodMonth,
		AmountMicros: amountMicros,
		Reason:       reason,
		GrantedBy:    grantedBy,
		GrantedAt:    now,
	}
	return Recompute(q), rec, nil
}

// Configure sets the quota switch and ceiling. Status is recomputed so a
// newly enabled quota takes effect immediately.
// This is a PURE function.
func Configure(q UserQuota, enabled bool, limitMicros int64, now time.Time) (UserQuota, error) {
	if limitMicros < 0 {
		return q, ErrInvalidLimit
	}
	q.QuotaEnabled = enabled
	q.CostLimitMicros = limitMicros
	q.UpdatedAt = now.UTC()
	return Recompute(q), nil
}

// NeedsRollover reports whether now falls after the stored period.
// This is a PURE function.
func NeedsRollover(q UserQuota, now time.Time) bool {
	return now.UTC().After(q.PeriodEnd)
}

// Rollover closes the stored period. It returns the archive snapshot and the
// row reset for the period containing now: period counters and bonus go to
// zero and the closed totals move into the lifetime counters.
// This is a PURE function.
func Rollover(q UserQuota, models ModelTotals, now time.Time) (UserQuota, History) {
	now = now.UTC()
	pct, exceeded := Status(q.PeriodCostMicros, q.CostLimitMicros, q.BonusMicros)
	h := History{
		UserID:            q.UserID,
		Year:              q.PeriodYear,
		Month:             q.PeriodMonth,
		PeriodStart:       q.PeriodStart,
		PeriodEnd:         q.PeriodEnd,
		InputTokens:       q.PeriodInputTokens,
		OutputTokens:      q.PeriodOutputTokens,
		Tokens:            q.PeriodTokens,
		Requests:          q.PeriodRequests,
		CostMicros:        q.PeriodCostMicros,
		CostLimitMicros:   q.CostLimitMicros,
		BonusMicros:       q.BonusMicros,
		QuotaEnabled:      q.QuotaEnabled,
		FinalUsagePercent: pct,
		Exceeded:          exceeded,
		ModelTokens:       cloneCounts(models.Tokens),
		ModelCosts:        cloneCounts(models.Costs),
		ArchivedAt:        now,
	}

	q.LifetimeInputTokens += q.PeriodInputTokens
	q.LifetimeOutputTokens += q.PeriodOutputTokens
	q.LifetimeTokens += q.PeriodTokens
	q.LifetimeRequests += q.PeriodRequests
	q.LifetimeCostMicros += q.PeriodCostMicros

	q.PeriodInputTokens = 0
	q.PeriodOutputTokens = 0
	q.PeriodTokens = 0
	q.PeriodRequests = 0
	q.PeriodCostMicros = 0
	q.BonusMicros = 0
	q.BonusReason = ""
	q.BonusGrantedAt = time.Time{}
	q.UpdatedAt = now

	q = openPeriod(q, now)
	return Recompute(q), h
}

// SumModels adds up the model breakdowns of a user's daily rows.
// This is a PURE function.
func SumModels(rows []usage.DailyUserUsage) ModelTotals {
	t := ModelTotals{Tokens: map[string]int64{}, Costs: map[string]int64{}}
	for _, r := range rows {
		for m, b := range r.Models {
			t.Tokens[m] += b.InputTokens + b.OutputTokens
			t.Costs[m] += b.CostMicros
		}
	}
	return t
}

func cloneCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return maps.Clone(m)
}
