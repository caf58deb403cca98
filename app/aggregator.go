package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/artpar/tokenledger/domain/digest"
	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/artpar/tokenledger/domain/quota"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"github.com/rs/zerolog"
)

// AggregatorConfig configures the aggregator.
type AggregatorConfig struct {
	Compression   float64        // Digest compression (default: digest.DefaultCompression)
	QuotaDefaults quota.Defaults // Applied to quota rows created on first use
}

// Aggregator folds a batch of events into the daily rollups and the
// per-user quota counters.
type Aggregator struct {
	rollups ports.RollupStore
	quotas  ports.QuotaStore
	ledger  *QuotaLedger
	pricer  usage.Pricer
	clock   ports.Clock
	metrics ports.PipelineMetrics
	logger  zerolog.Logger

	compression float64

	mu       sync.RWMutex
	defaults quota.Defaults
}

// NewAggregator creates a new aggregator. metrics may be nil.
func NewAggregator(
	rollups ports.RollupStore,
	quotas ports.QuotaStore,
	ledger *QuotaLedger,
	pricer usage.Pricer,
	clock ports.Clock,
	metrics ports.PipelineMetrics,
	logger zerolog.Logger,
	cfg AggregatorConfig,
) *Aggregator {
	if cfg.Compression <= 0 {
		cfg.Compression = digest.DefaultCompression
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Aggregator{
		rollups:     rollups,
		quotas:      quotas,
		ledger:      ledger,
		pricer:      pricer,
		clock:       clock,
		metrics:     metrics,
		logger:      logger,
		compression: cfg.Compression,
		defaults:    cfg.QuotaDefaults,
	}
}

// SetQuotaDefaults replaces the defaults used for new quota rows.
func (a *Aggregator) SetQuotaDefaults(d quota.Defaults) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaults = d
}

func (a *Aggregator) quotaDefaults() quota.Defaults {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.defaults
}

// Process prices and groups events, then applies the user-day, model-day
// and system-day rollups and the per-user quota increments. An event whose
// model has no pricing fails the whole call before anything is written.
func (a *Aggregator) Process(ctx context.Context, events []usage.Event) error {
	r, err := usage.Summarize(events, a.pricer)
	if err != nil {
		var unknown *pricing.UnknownModelError
		if errors.As(err, &unknown) {
			a.metrics.UnknownPricing(unknown.Model)
			a.logger.Error().Err(err).
				Str("model", unknown.Model).
				Msg("no pricing configured for model; add it to the pricing table")
		}
		return err
	}
	if r.Empty() {
		return nil
	}

	if err := a.mergeDigests(ctx, &r); err != nil {
		return err
	}

	now := a.clock.Now()
	if err := a.rollups.Apply(ctx, r, now); err != nil {
		return fmt.Errorf("apply rollups: %w", err)
	}

	defaults := a.quotaDefaults()
	for _, d := range r.Users {
		if err := a.rolloverIfDue(ctx, d.UserID); err != nil {
			return err
		}
		if _, err := a.quotas.ApplyUsage(ctx, d, defaults, now); err != nil {
			return fmt.Errorf("apply quota usage for %s: %w", d.UserID, err)
		}
	}

	for _, m := range r.ModelDays {
		a.metrics.Cost(m.Model, m.CostMicros)
	}

	a.logger.Debug().
		Int("events", len(events)).
		Int("users", len(r.Users)).
		Int("models", len(r.ModelDays)).
		Msg("batch aggregated")

	return nil
}

// rolloverIfDue closes a user's ended period before new usage lands in it.
func (a *Aggregator) rolloverIfDue(ctx context.Context, userID string) error {
	if a.ledger == nil {
		return nil
	}
	_, _, err := a.ledger.Rollover(ctx, userID)
	if errors.Is(err, quota.ErrUserNotFound) {
		return nil
	}
	return err
}

// mergeDigests loads each row's persisted digest, adds the batch's samples
// and fills in the merged blob and its stats.
func (a *Aggregator) mergeDigests(ctx context.Context, r *usage.Rollup) error {
	for i := range r.UserDays {
		d := &r.UserDays[i]
		stats, blob, err := a.merge(ctx, usage.DimUserDay, d.Date, d.UserID, d.Latencies)
		if err != nil {
			return err
		}
		d.Latency, d.Digest = stats, blob
	}
	for i := range r.ModelDays {
		d := &r.ModelDays[i]
		stats, blob, err := a.merge(ctx, usage.DimModelDay, d.Date, d.Model, d.Latencies)
		if err != nil {
			return err
		}
		d.Latency, d.Digest = stats, blob
	}
	for i := range r.SystemDays {
		d := &r.SystemDays[i]
		stats, blob, err := a.merge(ctx, usage.DimSystemDay, d.Date, "", d.Latencies)
		if err != nil {
			return err
		}
		d.Latency, d.Digest = stats, blob
		d.AvgLatencyMs = stats.Mean
	}
	return nil
}

func (a *Aggregator) merge(ctx context.Context, dim usage.Dimension, date, key string, samples []float64) (digest.Stats, []byte, error) {
	stored, err := a.rollups.Digest(ctx, dim, date, key)
	if err != nil {
		return digest.Stats{}, nil, fmt.Errorf("load %s digest %s/%s: %w", dim, date, key, err)
	}
	dg, err := digest.Load(stored, a.compression)
	if err != nil {
		// A corrupt blob only costs the row its history, not the batch.
		a.logger.Warn().Err(err).
			Str("dimension", string(dim)).
			Str("date", date).
			Str("key", key).
			Msg("discarding unreadable latency digest")
		if dg, err = digest.New(a.compression); err != nil {
			return digest.Stats{}, nil, err
		}
	}
	for _, v := range samples {
		if err := dg.Add(v); err != nil {
			return digest.Stats{}, nil, fmt.Errorf("add latency sample: %w", err)
		}
	}
	blob, err := dg.MarshalBinary()
	if err != nil {
		return digest.Stats{}, nil, err
	}
	return dg.Stats(), blob, nil
}
