package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/tokenledger/domain/quota"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"github.com/rs/zerolog"
)

// QuotaLedger owns the monthly quota lifecycle: admin configuration, bonus
// grants and period rollover.
type QuotaLedger struct {
	quotas  ports.QuotaStore
	rollups ports.RollupStore
	ids     ports.IDGenerator
	clock   ports.Clock
	logger  zerolog.Logger
}

// NewQuotaLedger creates a new quota ledger.
func NewQuotaLedger(
	quotas ports.QuotaStore,
	rollups ports.RollupStore,
	ids ports.IDGenerator,
	clock ports.Clock,
	logger zerolog.Logger,
) *QuotaLedger {
	return &QuotaLedger{
		quotas:  quotas,
		rollups: rollups,
		ids:     ids,
		clock:   clock,
		logger:  logger,
	}
}

// Get returns a user's quota.
func (l *QuotaLedger) Get(ctx context.Context, userID string) (quota.UserQuota, error) {
	return l.quotas.Get(ctx, userID)
}

// GrantBonus credits amountMicros to the user's current period. It fails
// with quota.ErrUserNotFound when the user has no quota row.
func (l *QuotaLedger) GrantBonus(ctx context.Context, userID string, amountMicros int64, reason, grantedBy string) (quota.UserQuota, quota.BonusRecord, error) {
	q, err := l.quotas.Get(ctx, userID)
	if err != nil {
		return quota.UserQuota{}, quota.BonusRecord{}, err
	}

	// A grant belongs to the period that is open now.
	if quota.NeedsRollover(q, l.clock.Now()) {
		if _, _, err := l.Rollover(ctx, userID); err != nil {
			return quota.UserQuota{}, quota.BonusRecord{}, err
		}
		if q, err = l.quotas.Get(ctx, userID); err != nil {
			return quota.UserQuota{}, quota.BonusRecord{}, err
		}
	}

	_, rec, err := quota.GrantBonus(q, amountMicros, reason, grantedBy, l.clock.Now())
	if err != nil {
		return quota.UserQuota{}, quota.BonusRecord{}, err
	}
	rec.ID = l.ids.New()

	updated, err := l.quotas.GrantBonus(ctx, rec)
	if err != nil {
		return quota.UserQuota{}, quota.BonusRecord{}, fmt.Errorf("grant bonus: %w", err)
	}

	l.logger.Info().
		Str("user_id", userID).
		Int64("amount_micros", amountMicros).
		Str("granted_by", grantedBy).
		Float64("usage_percent", updated.UsagePercent).
		Bool("exceeded", updated.Exceeded).
		Msg("bonus granted")

	return updated, rec, nil
}

// UpdateConfig sets a user's quota switch and cost ceiling.
func (l *QuotaLedger) UpdateConfig(ctx context.Context, userID string, enabled bool, limitMicros int64) (quota.UserQuota, error) {
	if limitMicros < 0 {
		return quota.UserQuota{}, quota.ErrInvalidLimit
	}
	q, err := l.quotas.UpdateConfig(ctx, userID, enabled, limitMicros, l.clock.Now())
	if err != nil {
		return quota.UserQuota{}, err
	}

	l.logger.Info().
		Str("user_id", userID).
		Bool("enabled", enabled).
		Int64("limit_micros", limitMicros).
		Msg("quota config updated")

	return q, nil
}

// Rollover archives the user's period if it has ended. ok is false when the
// period is still open.
func (l *QuotaLedger) Rollover(ctx context.Context, userID string) (quota.History, bool, error) {
	now := l.clock.Now()
	q, err := l.quotas.Get(ctx, userID)
	if err != nil {
		return quota.History{}, false, err
	}
	if !quota.NeedsRollover(q, now) {
		return quota.History{}, false, nil
	}

	rows, err := l.rollups.ListUserDays(ctx, userID, usage.DateOf(q.PeriodStart), usage.DateOf(q.PeriodEnd))
	if err != nil {
		return quota.History{}, false, fmt.Errorf("load period usage: %w", err)
	}

	h, ok, err := l.quotas.Rollover(ctx, userID, quota.SumModels(rows), now)
	if err != nil {
		return quota.History{}, false, fmt.Errorf("rollover %s: %w", userID, err)
	}
	if ok {
		l.logger.Info().
			Str("user_id", userID).
			Int("year", h.Year).
			Int("month", h.Month).
			Float64("final_usage_percent", h.FinalUsagePercent).
			Msg("quota period archived")
	}
	return h, ok, nil
}

// RolloverExpired rolls over every user whose period has ended and returns
// how many were archived. One user's failure does not stop the sweep.
func (l *QuotaLedger) RolloverExpired(ctx context.Context) (int, error) {
	ids, err := l.quotas.ListExpired(ctx, l.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list expired quotas: %w", err)
	}

	var errs []error
	n := 0
	for _, id := range ids {
		_, ok, err := l.Rollover(ctx, id)
		if err != nil {
			l.logger.Error().Err(err).Str("user_id", id).Msg("quota rollover failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// ListExceeded returns quotas over their ceiling.
func (l *QuotaLedger) ListExceeded(ctx context.Context) ([]quota.UserQuota, error) {
	return l.quotas.ListExceeded(ctx)
}

// History returns a user's archived periods, newest first.
func (l *QuotaLedger) History(ctx context.Context, userID string, limit int) ([]quota.History, error) {
	return l.quotas.ListHistory(ctx, userID, limit)
}

// Bonuses returns a user's bonus grants, newest first.
func (l *QuotaLedger) Bonuses(ctx context.Context, userID string) ([]quota.BonusRecord, error) {
	return l.quotas.ListBonuses(ctx, userID)
}
