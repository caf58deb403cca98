package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenledger/domain/quota"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
)

// QuotaStore implements ports.QuotaStore using SQLite.
// Every mutation runs in one transaction together with its status refresh.
type QuotaStore struct {
	db *DB
}

// NewQuotaStore creates a new SQLite quota store.
func NewQuotaStore(db *DB) *QuotaStore {
	return &QuotaStore{db: db}
}

const quotaColumns = `user_id,
	lifetime_input_tokens, lifetime_output_tokens, lifetime_tokens, lifetime_requests, lifetime_cost_micros,
	period_year, period_month, period_start, period_end,
	period_input_tokens, period_output_tokens, period_tokens, period_requests, period_cost_micros,
	quota_enabled, cost_limit_micros, bonus_micros, bonus_reason, bonus_granted_at,
	usage_percent, exceeded, first_seen_at, last_active_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getQuota(ctx context.Context, q queryer, userID string) (quota.UserQuota, error) {
	row := q.QueryRowContext(ctx, `SELECT `+quotaColumns+` FROM user_quotas WHERE user_id = ?`, userID)
	uq, err := scanQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.UserQuota{}, quota.ErrUserNotFound
	}
	return uq, err
}

func scanQuota(row scanner) (quota.UserQuota, error) {
	var q quota.UserQuota
	var bonusAt sql.NullTime
	err := row.Scan(
		&q.UserID,
		&q.LifetimeInputTokens, &q.LifetimeOutputTokens, &q.LifetimeTokens, &q.LifetimeRequests, &q.LifetimeCostMicros,
		&q.PeriodYear, &q.PeriodMonth, &q.PeriodStart, &q.PeriodEnd,
		&q.PeriodInputTokens, &q.PeriodOutputTokens, &q.PeriodTokens, &q.PeriodRequests, &q.PeriodCostMicros,
		&q.QuotaEnabled, &q.CostLimitMicros, &q.BonusMicros, &q.BonusReason, &bonusAt,
		&q.UsagePercent, &q.Exceeded, &q.FirstSeenAt, &q.LastActiveAt, &q.UpdatedAt,
	)
	if err != nil {
		return quota.UserQuota{}, err
	}
	if bonusAt.Valid {
		q.BonusGrantedAt = bonusAt.Time
	}
	return q, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// saveQuota overwrites every column of an existing row.
func saveQuota(ctx context.Context, tx *sql.Tx, q quota.UserQuota) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE user_quotas SET
			lifetime_input_tokens = ?, lifetime_output_tokens = ?, lifetime_tokens = ?,
			lifetime_requests = ?, lifetime_cost_micros = ?,
			period_year = ?, period_month = ?, period_start = ?, period_end = ?,
			period_input_tokens = ?, period_output_tokens = ?, period_tokens = ?,
			period_requests = ?, period_cost_micros = ?,
			quota_enabled = ?, cost_limit_micros = ?, bonus_micros = ?, bonus_reason = ?, bonus_granted_at = ?,
			usage_percent = ?, exceeded = ?, last_active_at = ?, updated_at = ?
		WHERE user_id = ?
	`,
		q.LifetimeInputTokens, q.LifetimeOutputTokens, q.LifetimeTokens,
		q.LifetimeRequests, q.LifetimeCostMicros,
		q.PeriodYear, q.PeriodMonth, q.PeriodStart.UTC(), q.PeriodEnd.UTC(),
		q.PeriodInputTokens, q.PeriodOutputTokens, q.PeriodTokens,
		q.PeriodRequests, q.PeriodCostMicros,
		q.QuotaEnabled, q.CostLimitMicros, q.BonusMicros, q.BonusReason, nullTime(q.BonusGrantedAt),
		q.UsagePercent, q.Exceeded, q.LastActiveAt.UTC(), q.UpdatedAt.UTC(),
		q.UserID,
	)
	return err
}

// refreshStatus recomputes usage percent and exceeded from stored values.
func refreshStatus(ctx context.Context, tx *sql.Tx, userID string) (quota.UserQuota, error) {
	q, err := getQuota(ctx, tx, userID)
	if err != nil {
		return quota.UserQuota{}, err
	}
	q = quota.Recompute(q)
	_, err = tx.ExecContext(ctx, `
		UPDATE user_quotas SET usage_percent = ?, exceeded = ? WHERE user_id = ?
	`, q.UsagePercent, q.Exceeded, userID)
	return q, err
}

// Get returns a user's quota.
func (s *QuotaStore) Get(ctx context.Context, userID string) (quota.UserQuota, error) {
	return getQuota(ctx, s.db.conn(ctx), userID)
}

// ApplyUsage increments the open period with an upsert.
func (s *QuotaStore) ApplyUsage(ctx context.Context, d usage.UserDelta, defaults quota.Defaults, now time.Time) (quota.UserQuota, error) {
	seed := quota.New(d.UserID, defaults, now)
	lastActive := d.LastActiveAt
	if lastActive.IsZero() {
		lastActive = now
	}

	var out quota.UserQuota
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_quotas (
				user_id, period_year, period_month, period_start, period_end,
				period_input_tokens, period_output_tokens, period_tokens, period_requests, period_cost_micros,
				quota_enabled, cost_limit_micros, first_seen_at, last_active_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				period_input_tokens = period_input_tokens + excluded.period_input_tokens,
				period_output_tokens = period_output_tokens + excluded.period_output_tokens,
				period_tokens = period_tokens + excluded.period_tokens,
				period_requests = period_requests + excluded.period_requests,
				period_cost_micros = period_cost_micros + excluded.period_cost_micros,
				last_active_at = MAX(last_active_at, excluded.last_active_at),
				updated_at = excluded.updated_at
		`,
			seed.UserID, seed.PeriodYear, seed.PeriodMonth, seed.PeriodStart, seed.PeriodEnd,
			d.InputTokens, d.OutputTokens, d.TotalTokens, d.Requests, d.CostMicros,
			seed.QuotaEnabled, seed.CostLimitMicros, seed.FirstSeenAt, lastActive.UTC(), seed.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert quota: %w", err)
		}
		out, err = refreshStatus(ctx, tx, d.UserID)
		return err
	})
	return out, err
}

// GrantBonus appends the record and adds its amount to the bonus balance.
func (s *QuotaStore) GrantBonus(ctx context.Context, rec quota.BonusRecord) (quota.UserQuota, error) {
	var out quota.UserQuota
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE user_quotas SET
				bonus_micros = bonus_micros + ?, bonus_reason = ?, bonus_granted_at = ?, updated_at = ?
			WHERE user_id = ?
		`, rec.AmountMicros, rec.Reason, rec.GrantedAt.UTC(), rec.GrantedAt.UTC(), rec.UserID)
		if err != nil {
			return fmt.Errorf("add bonus: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return quota.ErrUserNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO bonus_records (id, user_id, period_year, period_month, amount_micros, reason, granted_by, granted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.UserID, rec.PeriodYear, rec.PeriodMonth, rec.AmountMicros, rec.Reason, rec.GrantedBy, rec.GrantedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert bonus record: %w", err)
		}

		out, err = refreshStatus(ctx, tx, rec.UserID)
		return err
	})
	return out, err
}

// UpdateConfig sets the quota switch and ceiling.
func (s *QuotaStore) UpdateConfig(ctx context.Context, userID string, enabled bool, limitMicros int64, now time.Time) (quota.UserQuota, error) {
	var out quota.UserQuota
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		q, err := getQuota(ctx, tx, userID)
		if err != nil {
			return err
		}
		out, err = quota.Configure(q, enabled, limitMicros, now)
		if err != nil {
			return err
		}
		return saveQuota(ctx, tx, out)
	})
	return out, err
}

// Rollover archives and resets the user's period if it has ended.
func (s *QuotaStore) Rollover(ctx context.Context, userID string, models quota.ModelTotals, now time.Time) (quota.History, bool, error) {
	var h quota.History
	var rolled bool
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		q, err := getQuota(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !quota.NeedsRollover(q, now) {
			return nil
		}

		var next quota.UserQuota
		next, h = quota.Rollover(q, models, now)

		modelTokens, err := json.Marshal(h.ModelTokens)
		if err != nil {
			return fmt.Errorf("encode model tokens: %w", err)
		}
		modelCosts, err := json.Marshal(h.ModelCosts)
		if err != nil {
			return fmt.Errorf("encode model costs: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO quota_history (
				user_id, period_year, period_month, period_start, period_end,
				input_tokens, output_tokens, total_tokens, request_count, cost_micros,
				cost_limit_micros, bonus_micros, quota_enabled, final_usage_percent, exceeded,
				model_tokens, model_costs, archived_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, period_year, period_month) DO NOTHING
		`,
			h.UserID, h.Year, h.Month, h.PeriodStart.UTC(), h.PeriodEnd.UTC(),
			h.InputTokens, h.OutputTokens, h.Tokens, h.Requests, h.CostMicros,
			h.CostLimitMicros, h.BonusMicros, h.QuotaEnabled, h.FinalUsagePercent, h.Exceeded,
			string(modelTokens), string(modelCosts), h.ArchivedAt,
		)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if err := saveQuota(ctx, tx, next); err != nil {
			return fmt.Errorf("reset period: %w", err)
		}
		rolled = true
		return nil
	})
	return h, rolled, err
}

// ListExpired returns users whose period ended before now.
func (s *QuotaStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.conn(ctx).QueryContext(ctx, `
		SELECT user_id FROM user_quotas WHERE period_end < ? ORDER BY user_id
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListExceeded returns quotas flagged as exceeded.
func (s *QuotaStore) ListExceeded(ctx context.Context) ([]quota.UserQuota, error) {
	rows, err := s.db.conn(ctx).QueryContext(ctx, `
		SELECT `+quotaColumns+` FROM user_quotas WHERE exceeded = 1 ORDER BY usage_percent DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.UserQuota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListHistory returns a user's closed periods, newest first.
func (s *QuotaStore) ListHistory(ctx context.Context, userID string, limit int) ([]quota.History, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.conn(ctx).QueryContext(ctx, `
		SELECT user_id, period_year, period_month, period_start, period_end,
			input_tokens, output_tokens, total_tokens, request_count, cost_micros,
			cost_limit_micros, bonus_micros, quota_enabled, final_usage_percent, exceeded,
			model_tokens, model_costs, archived_at
		FROM quota_history
		WHERE user_id = ?
		ORDER BY period_year DESC, period_month DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.History
	for rows.Next() {
		var h quota.History
		var modelTokens, modelCosts string
		err := rows.Scan(
			&h.UserID, &h.Year, &h.Month, &h.PeriodStart, &h.PeriodEnd,
			&h.InputTokens, &h.OutputTokens, &h.Tokens, &h.Requests, &h.CostMicros,
			&h.CostLimitMicros, &h.BonusMicros, &h.QuotaEnabled, &h.FinalUsagePercent, &h.Exceeded,
			&modelTokens, &modelCosts, &h.ArchivedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(modelTokens), &h.ModelTokens); err != nil {
			return nil, fmt.Errorf("decode model tokens: %w", err)
		}
		if err := json.Unmarshal([]byte(modelCosts), &h.ModelCosts); err != nil {
			return nil, fmt.Errorf("decode model costs: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListBonuses returns a user's bonus grants, newest first.
func (s *QuotaStore) ListBonuses(ctx context.Context, userID string) ([]quota.BonusRecord, error) {
	rows, err := s.db.conn(ctx).QueryContext(ctx, `
		SELECT id, user_id, period_year, period_month, amount_micros, reason, granted_by, granted_at
		FROM bonus_records
		WHERE user_id = ?
		ORDER BY granted_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.BonusRecord
	for rows.Next() {
		var r quota.BonusRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.PeriodYear, &r.PeriodMonth, &r.AmountMicros, &r.Reason, &r.GrantedBy, &r.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.QuotaStore = (*QuotaStore)(nil)
