package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/tokenledger/domain/digest"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
)

// RollupStore implements ports.RollupStore using SQLite.
// Breakdown maps live in child tables keyed by (row key, map key) so every
// map entry is incremented with its own upsert.
type RollupStore struct {
	db *DB
}

// NewRollupStore creates a new SQLite rollup store.
func NewRollupStore(db *DB) *RollupStore {
	return &RollupStore{db: db}
}

var (
	counterCols = []string{
		"input_tokens", "output_tokens", "cache_creation_tokens", "cache_read_tokens", "total_tokens",
		"request_count", "success_count", "error_count", "total_latency_ms", "cost_micros",
	}
	latencyCols = []string{
		"latency_count", "latency_min", "latency_max", "latency_mean",
		"latency_p50", "latency_p90", "latency_p95", "latency_p99", "digest",
	}
	costCols = []string{
		"cost_input_micros", "cost_output_micros", "cost_cache_read_micros", "cost_cache_write_micros",
	}
	cacheCols = []string{"cache_hit_rate", "cache_eff_read_tokens", "cache_saved_micros"}
	peakCols  = []string{"peak_hour", "peak_hour_requests"}
)

func concat(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

var (
	upsertUserDay = upsertSQL("daily_user_usage",
		[]string{"date", "user_id"},
		[]string{"created_at"},
		concat(counterCols, costCols),
		concat(latencyCols, cacheCols, peakCols, []string{"updated_at"}))
	upsertUserHour = upsertSQL("daily_user_hours",
		[]string{"date", "user_id", "hour"}, nil,
		[]string{"request_count", "total_tokens", "cost_micros"}, nil)
	upsertUserModel = upsertSQL("daily_user_models",
		[]string{"date", "user_id", "model"}, nil,
		[]string{"input_tokens", "output_tokens", "cache_read_tokens", "request_count", "success_count", "error_count", "cost_micros"}, nil)
	upsertUserError = upsertSQL("daily_user_errors",
		[]string{"date", "user_id", "error_type"}, nil, []string{"count"}, nil)

	upsertModelDay = upsertSQL("daily_model_usage",
		[]string{"date", "model"},
		[]string{"created_at"},
		counterCols,
		concat(latencyCols, cacheCols, peakCols, []string{"updated_at"}))
	upsertModelHour = upsertSQL("daily_model_hours",
		[]string{"date", "model", "hour"}, nil, []string{"request_count"}, nil)
	upsertModelError = upsertSQL("daily_model_errors",
		[]string{"date", "model", "error_type"}, nil, []string{"count"}, nil)

	upsertSystemDay = upsertSQL("system_daily_stats",
		[]string{"date"},
		[]string{"created_at"},
		concat(counterCols, []string{"cache_saved_micros"}),
		concat([]string{"success_rate", "avg_latency_ms"}, latencyCols,
			[]string{"cache_hit_rate"}, peakCols, []string{"top_models", "top_users", "updated_at"}))
	upsertSystemHour = upsertSQL("system_daily_hours",
		[]string{"date", "hour"}, nil, []string{"request_count"}, nil)
)

func counterArgs(c usage.Counters) []any {
	return []any{
		c.InputTokens, c.OutputTokens, c.CacheCreationTokens, c.CacheReadTokens, c.TotalTokens,
		c.Requests, c.Successes, c.Errors, c.LatencyMs, c.CostMicros,
	}
}

func counterDest(c *usage.Counters) []any {
	return []any{
		&c.InputTokens, &c.OutputTokens, &c.CacheCreationTokens, &c.CacheReadTokens, &c.TotalTokens,
		&c.Requests, &c.Successes, &c.Errors, &c.LatencyMs, &c.CostMicros,
	}
}

func latencyArgs(s digest.Stats, blob []byte) []any {
	return []any{s.Count, s.Min, s.Max, s.Mean, s.P50, s.P90, s.P95, s.P99, nullBytes(blob)}
}

func latencyDest(s *digest.Stats, blob *[]byte) []any {
	return []any{&s.Count, &s.Min, &s.Max, &s.Mean, &s.P50, &s.P90, &s.P95, &s.P99, blob}
}

func args(groups ...[]any) []any {
	var out []any
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Apply folds a batch rollup into the three daily tables in one transaction.
func (s *RollupStore) Apply(ctx context.Context, r usage.Rollup, now time.Time) error {
	now = now.UTC()
	return s.db.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range r.UserDays {
			if err := applyUserDay(ctx, tx, d, now); err != nil {
				return fmt.Errorf("user day %s/%s: %w", d.Date, d.UserID, err)
			}
		}
		for _, d := range r.ModelDays {
			if err := applyModelDay(ctx, tx, d, now); err != nil {
				return fmt.Errorf("model day %s/%s: %w", d.Date, d.Model, err)
			}
		}
		for _, d := range r.SystemDays {
			if err := applySystemDay(ctx, tx, d, now); err != nil {
				return fmt.Errorf("system day %s: %w", d.Date, err)
			}
		}
		return nil
	})
}

func applyUserDay(ctx context.Context, tx *sql.Tx, d usage.UserDayDelta, now time.Time) error {
	_, err := tx.ExecContext(ctx, upsertUserDay, args(
		[]any{d.Date, d.UserID, now},
		counterArgs(d.Counters),
		[]any{d.Cost.Input, d.Cost.Output, d.Cost.CacheRead, d.Cost.CacheWrite},
		latencyArgs(d.Latency, d.Digest),
		[]any{d.Cache.HitRate, d.Cache.CacheReadTokens, d.Cache.SavedMicros},
		[]any{d.PeakHour, d.PeakHourRequests, now},
	)...)
	if err != nil {
		return err
	}

	for h, b := range d.Hourly {
		if _, err := tx.ExecContext(ctx, upsertUserHour, d.Date, d.UserID, h, b.Requests, b.Tokens, b.CostMicros); err != nil {
			return fmt.Errorf("hour %d: %w", h, err)
		}
	}
	for m, b := range d.Models {
		if _, err := tx.ExecContext(ctx, upsertUserModel, d.Date, d.UserID, m,
			b.InputTokens, b.OutputTokens, b.CacheReadTokens, b.Requests, b.Successes, b.Errors, b.CostMicros); err != nil {
			return fmt.Errorf("model %s: %w", m, err)
		}
	}
	for t, n := range d.ErrorBreakdown {
		if _, err := tx.ExecContext(ctx, upsertUserError, d.Date, d.UserID, t, n); err != nil {
			return fmt.Errorf("error type %s: %w", t, err)
		}
	}
	return nil
}

func applyModelDay(ctx context.Context, tx *sql.Tx, d usage.ModelDayDelta, now time.Time) error {
	_, err := tx.ExecContext(ctx, upsertModelDay, args(
		[]any{d.Date, d.Model, now},
		counterArgs(d.Counters),
		latencyArgs(d.Latency, d.Digest),
		[]any{d.Cache.HitRate, d.Cache.CacheReadTokens, d.Cache.SavedMicros},
		[]any{d.PeakHour, d.PeakHourRequests, now},
	)...)
	if err != nil {
		return err
	}

	for h, n := range d.HourlyRequests {
		if _, err := tx.ExecContext(ctx, upsertModelHour, d.Date, d.Model, h, n); err != nil {
			return fmt.Errorf("hour %d: %w", h, err)
		}
	}
	for t, n := range d.ErrorBreakdown {
		if _, err := tx.ExecContext(ctx, upsertModelError, d.Date, d.Model, t, n); err != nil {
			return fmt.Errorf("error type %s: %w", t, err)
		}
	}
	for _, u := range d.Users {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO daily_model_users (date, model, user_id) VALUES (?, ?, ?)`,
			d.Date, d.Model, u); err != nil {
			return fmt.Errorf("user %s: %w", u, err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE daily_model_usage
		SET unique_users = (SELECT COUNT(*) FROM daily_model_users WHERE date = ? AND model = ?)
		WHERE date = ? AND model = ?
	`, d.Date, d.Model, d.Date, d.Model)
	return err
}

func applySystemDay(ctx context.Context, tx *sql.Tx, d usage.SystemDayDelta, now time.Time) error {
	topModels, err := json.Marshal(d.TopModels)
	if err != nil {
		return fmt.Errorf("encode top models: %w", err)
	}
	topUsers, err := json.Marshal(d.TopUsers)
	if err != nil {
		return fmt.Errorf("encode top users: %w", err)
	}

	_, err = tx.ExecContext(ctx, upsertSystemDay, args(
		[]any{d.Date, now},
		counterArgs(d.Counters),
		[]any{d.CacheSavedMicros, d.SuccessRate, d.AvgLatencyMs},
		latencyArgs(d.Latency, d.Digest),
		[]any{d.CacheHitRate, d.PeakHour, d.PeakHourRequests, string(topModels), string(topUsers), now},
	)...)
	if err != nil {
		return err
	}

	for h, n := range d.HourlyRequests {
		if _, err := tx.ExecContext(ctx, upsertSystemHour, d.Date, h, n); err != nil {
			return fmt.Errorf("hour %d: %w", h, err)
		}
	}
	for _, u := range d.Users {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO system_daily_users (date, user_id) VALUES (?, ?)`, d.Date, u); err != nil {
			return fmt.Errorf("user %s: %w", u, err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE system_daily_stats
		SET unique_users = (SELECT COUNT(*) FROM system_daily_users WHERE date = ?)
		WHERE date = ?
	`, d.Date, d.Date)
	return err
}

// Digest returns the persisted latency digest of a row, or nil.
func (s *RollupStore) Digest(ctx context.Context, dim usage.Dimension, date, key string) ([]byte, error) {
	var row *sql.Row
	switch dim {
	case usage.DimUserDay:
		row = s.db.conn(ctx).QueryRowContext(ctx, `SELECT digest FROM daily_user_usage WHERE date = ? AND user_id = ?`, date, key)
	case usage.DimModelDay:
		row = s.db.conn(ctx).QueryRowContext(ctx, `SELECT digest FROM daily_model_usage WHERE date = ? AND model = ?`, date, key)
	case usage.DimSystemDay:
		row = s.db.conn(ctx).QueryRowContext(ctx, `SELECT digest FROM system_daily_stats WHERE date = ?`, date)
	default:
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return blob, nil
}

var userDaySelect = `SELECT date, user_id, ` + joinCols(counterCols, costCols, latencyCols, cacheCols, peakCols) +
	`, created_at, updated_at FROM daily_user_usage`

func joinCols(groups ...[]string) string {
	return strings.Join(concat(groups...), ", ")
}

func scanUserDay(row scanner) (usage.DailyUserUsage, error) {
	var u usage.DailyUserUsage
	dest := args(
		[]any{&u.Date, &u.UserID},
		counterDest(&u.Counters),
		[]any{&u.Cost.Input, &u.Cost.Output, &u.Cost.CacheRead, &u.Cost.CacheWrite},
		latencyDest(&u.Latency, &u.Digest),
		[]any{&u.Cache.HitRate, &u.Cache.CacheReadTokens, &u.Cache.SavedMicros},
		[]any{&u.PeakHour, &u.PeakHourRequests, &u.CreatedAt, &u.UpdatedAt},
	)
	err := row.Scan(dest...)
	return u, err
}

// GetUserDay returns the (date, user) row with its breakdown maps.
func (s *RollupStore) GetUserDay(ctx context.Context, date, userID string) (usage.DailyUserUsage, error) {
	u, err := scanUserDay(s.db.conn(ctx).QueryRowContext(ctx, userDaySelect+` WHERE date = ? AND user_id = ?`, date, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return usage.DailyUserUsage{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.DailyUserUsage{}, err
	}
	if err := s.loadUserMaps(ctx, &u); err != nil {
		return usage.DailyUserUsage{}, err
	}
	return u, nil
}

// ListUserDays returns a user's rows with from <= date <= to, oldest first.
func (s *RollupStore) ListUserDays(ctx context.Context, userID, from, to string) ([]usage.DailyUserUsage, error) {
	rows, err := s.db.conn(ctx).QueryContext(ctx, userDaySelect+`
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, userID, from, to)
	if err != nil {
		return nil, err
	}
	var out []usage.DailyUserUsage
	for rows.Next() {
		u, err := scanUserDay(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if err := s.loadUserMaps(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *RollupStore) loadUserMaps(ctx context.Context, u *usage.DailyUserUsage) error {
	u.Hourly = map[int]usage.HourBucket{}
	err := s.each(ctx, `
		SELECT hour, request_count, total_tokens, cost_micros FROM daily_user_hours
		WHERE date = ? AND user_id = ?
	`, []any{u.Date, u.UserID}, func(row scanner) error {
		var h int
		var b usage.HourBucket
		if err := row.Scan(&h, &b.Requests, &b.Tokens, &b.CostMicros); err != nil {
			return err
		}
		u.Hourly[h] = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("hourly breakdown: %w", err)
	}

	u.Models = map[string]usage.ModelBucket{}
	err = s.each(ctx, `
		SELECT model, input_tokens, output_tokens, cache_read_tokens, request_count, success_count, error_count, cost_micros
		FROM daily_user_models WHERE date = ? AND user_id = ?
	`, []any{u.Date, u.UserID}, func(row scanner) error {
		var m string
		var b usage.ModelBucket
		if err := row.Scan(&m, &b.InputTokens, &b.OutputTokens, &b.CacheReadTokens, &b.Requests, &b.Successes, &b.Errors, &b.CostMicros); err != nil {
			return err
		}
		u.Models[m] = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("model breakdown: %w", err)
	}

	u.ErrorBreakdown, err = s.counts(ctx, `
		SELECT error_type, count FROM daily_user_errors WHERE date = ? AND user_id = ?
	`, u.Date, u.UserID)
	if err != nil {
		return fmt.Errorf("error breakdown: %w", err)
	}
	return nil
}

// GetModelDay returns the (date, model) row.
func (s *RollupStore) GetModelDay(ctx context.Context, date, model string) (usage.DailyModelUsage, error) {
	var m usage.DailyModelUsage
	dest := args(
		[]any{&m.Date, &m.Model},
		counterDest(&m.Counters),
		[]any{&m.UniqueUsers},
		latencyDest(&m.Latency, &m.Digest),
		[]any{&m.Cache.HitRate, &m.Cache.CacheReadTokens, &m.Cache.SavedMicros},
		[]any{&m.PeakHour, &m.PeakHourRequests, &m.CreatedAt, &m.UpdatedAt},
	)
	err := s.db.conn(ctx).QueryRowContext(ctx, `SELECT date, model, `+
		joinCols(counterCols, []string{"unique_users"}, latencyCols, cacheCols, peakCols)+
		`, created_at, updated_at FROM daily_model_usage WHERE date = ? AND model = ?`, date, model).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.DailyModelUsage{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.DailyModelUsage{}, err
	}

	m.HourlyRequests, err = s.hourCounts(ctx, `
		SELECT hour, request_count FROM daily_model_hours WHERE date = ? AND model = ?
	`, date, model)
	if err != nil {
		return usage.DailyModelUsage{}, fmt.Errorf("hourly requests: %w", err)
	}
	m.ErrorBreakdown, err = s.counts(ctx, `
		SELECT error_type, count FROM daily_model_errors WHERE date = ? AND model = ?
	`, date, model)
	if err != nil {
		return usage.DailyModelUsage{}, fmt.Errorf("error breakdown: %w", err)
	}
	return m, nil
}

// GetSystemDay returns the system row for a date.
func (s *RollupStore) GetSystemDay(ctx context.Context, date string) (usage.SystemDailyStats, error) {
	var st usage.SystemDailyStats
	var topModels, topUsers string
	dest := args(
		[]any{&st.Date},
		counterDest(&st.Counters),
		[]any{&st.UniqueUsers, &st.SuccessRate, &st.AvgLatencyMs},
		latencyDest(&st.Latency, &st.Digest),
		[]any{&st.CacheHitRate, &st.CacheSavedMicros, &st.PeakHour, &st.PeakHourRequests,
			&topModels, &topUsers, &st.CreatedAt, &st.UpdatedAt},
	)
	err := s.db.conn(ctx).QueryRowContext(ctx, `SELECT date, `+
		joinCols(counterCols, []string{"unique_users", "success_rate", "avg_latency_ms"}, latencyCols,
			[]string{"cache_hit_rate", "cache_saved_micros"}, peakCols)+
		`, top_models, top_users, created_at, updated_at FROM system_daily_stats WHERE date = ?`, date).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.SystemDailyStats{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.SystemDailyStats{}, err
	}
	if err := json.Unmarshal([]byte(topModels), &st.TopModels); err != nil {
		return usage.SystemDailyStats{}, fmt.Errorf("decode top models: %w", err)
	}
	if err := json.Unmarshal([]byte(topUsers), &st.TopUsers); err != nil {
		return usage.SystemDailyStats{}, fmt.Errorf("decode top users: %w", err)
	}

	st.HourlyRequests, err = s.hourCounts(ctx, `
		SELECT hour, request_count FROM system_daily_hours WHERE date = ?
	`, date)
	if err != nil {
		return usage.SystemDailyStats{}, fmt.Errorf("hourly requests: %w", err)
	}
	return st, nil
}

func (s *RollupStore) each(ctx context.Context, query string, qargs []any, fn func(scanner) error) error {
	rows, err := s.db.conn(ctx).QueryContext(ctx, query, qargs...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *RollupStore) counts(ctx context.Context, query string, qargs ...any) (map[string]int64, error) {
	out := map[string]int64{}
	err := s.each(ctx, query, qargs, func(row scanner) error {
		var k string
		var n int64
		if err := row.Scan(&k, &n); err != nil {
			return err
		}
		out[k] = n
		return nil
	})
	return out, err
}

func (s *RollupStore) hourCounts(ctx context.Context, query string, qargs ...any) (map[int]int64, error) {
	out := map[int]int64{}
	err := s.each(ctx, query, qargs, func(row scanner) error {
		var h int
		var n int64
		if err := row.Scan(&h, &n); err != nil {
			return err
		}
		out[h] = n
		return nil
	})
	return out, err
}

// Ensure interface compliance.
var _ ports.RollupStore = (*RollupStore)(nil)
