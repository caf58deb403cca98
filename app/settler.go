package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"github.com/rs/zerolog"
)

// BatchProcessor folds one batch of events into the rollups.
// *Aggregator satisfies it.
type BatchProcessor interface {
	Process(ctx context.Context, events []usage.Event) error
}

// Settlement results, as reported to metrics.
const (
	ResultProcessed = "processed"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// SettlerConfig configures the settler.
type SettlerConfig struct {
	ClaimTimeout time.Duration // Claims older than this are released (default: 30m)
}

// Result summarizes one settlement run.
type Result struct {
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Released   int `json:"released"`
	Corrupt    int `json:"corrupt"`
	RolledOver int `json:"rolledOver"`
}

// Settler turns pending raw batches into rollup updates.
type Settler struct {
	batches   ports.BatchStore
	tx        ports.Transactor
	processor BatchProcessor
	ledger    *QuotaLedger
	clock     ports.Clock
	metrics   ports.PipelineMetrics
	logger    zerolog.Logger

	claimTimeout time.Duration
}

// NewSettler creates a new settler. tx makes each batch's aggregation and
// its processed mark one unit of work; it may be nil for backends without
// transactions, such as the in-memory stores. ledger and metrics may be nil.
func NewSettler(
	batches ports.BatchStore,
	tx ports.Transactor,
	processor BatchProcessor,
	ledger *QuotaLedger,
	clock ports.Clock,
	metrics ports.PipelineMetrics,
	logger zerolog.Logger,
	cfg SettlerConfig,
) *Settler {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 30 * time.Minute
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Settler{
		batches:      batches,
		tx:           tx,
		processor:    processor,
		ledger:       ledger,
		clock:        clock,
		metrics:      metrics,
		logger:       logger,
		claimTimeout: cfg.ClaimTimeout,
	}
}

// Settle processes every pending batch, oldest first. Each batch is claimed
// before it is aggregated so two concurrent runs never settle the same
// batch. A failing batch is released back to pending and the run moves on.
func (s *Settler) Settle(ctx context.Context) (Result, error) {
	var res Result
	start := s.clock.Now()

	released, err := s.batches.ReleaseStale(ctx, start.Add(-s.claimTimeout))
	if err != nil {
		return res, fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		s.logger.Warn().Int("batches", released).Msg("released stale batch claims")
	}
	res.Released = released

	pending, err := s.batches.ListPending(ctx, 0)
	if err != nil {
		var corrupt *ports.CorruptBatchError
		if !errors.As(err, &corrupt) {
			return res, fmt.Errorf("list pending batches: %w", err)
		}
		res.Corrupt = countErrors(err)
		s.logger.Error().Err(err).Int("batches", res.Corrupt).
			Msg("pending batches with unreadable payloads skipped")
	}

	for _, b := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch s.settleOne(ctx, b) {
		case ResultProcessed:
			res.Processed++
		case ResultSkipped:
			res.Skipped++
		default:
			res.Failed++
		}
	}

	if s.ledger != nil {
		n, err := s.ledger.RolloverExpired(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("quota rollover sweep incomplete")
		}
		res.RolledOver = n
	}

	s.logger.Info().
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("corrupt", res.Corrupt).
		Dur("duration", s.clock.Now().Sub(start)).
		Msg("settlement finished")

	return res, nil
}

func (s *Settler) settleOne(ctx context.Context, b usage.RawBatch) string {
	start := time.Now()
	log := s.logger.With().Str("batch_id", b.ID).Int("events", b.EventCount).Logger()

	result := s.claimAndProcess(ctx, b, log)
	s.metrics.BatchSettled(result, time.Since(start))
	return result
}

func (s *Settler) claimAndProcess(ctx context.Context, b usage.RawBatch, log zerolog.Logger) string {
	if err := s.batches.Claim(ctx, b.ID, s.clock.Now()); err != nil {
		if errors.Is(err, ports.ErrBatchNotClaimed) {
			log.Debug().Msg("batch claimed by another worker")
			return ResultSkipped
		}
		log.Error().Err(err).Msg("failed to claim batch")
		return ResultFailed
	}

	// Rollups, quota counters and the processed mark commit together, so a
	// failure at any step leaves nothing of the batch behind.
	err := s.withinTx(ctx, func(ctx context.Context) error {
		if err := s.processor.Process(ctx, b.Events); err != nil {
			return err
		}
		if err := s.batches.MarkProcessed(ctx, b.ID, s.clock.Now()); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("batch settlement failed; left pending")
		// Release with a fresh context so a cancelled run still hands the
		// batch back.
		if rerr := s.batches.Release(context.WithoutCancel(ctx), b.ID); rerr != nil {
			log.Error().Err(rerr).Msg("failed to release batch")
		}
		return ResultFailed
	}

	log.Info().Msg("batch settled")
	return ResultProcessed
}

func (s *Settler) withinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.WithinTx(ctx, fn)
}

// countErrors reports how many errors a joined error holds.
func countErrors(err error) int {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap())
	}
	return 1
}

// TriggerSettlement runs Settle on demand and returns the processed count.
func (s *Settler) TriggerSettlement(ctx context.Context) (int, error) {
	res, err := s.Settle(ctx)
	return res.Processed, err
}

// ResetBatch flips a processed batch back to pending so the next run
// recomputes it. Its events are counted again.
func (s *Settler) ResetBatch(ctx context.Context, id string) error {
	if err := s.batches.Reset(ctx, id); err != nil {
		return fmt.Errorf("reset batch %s: %w", id, err)
	}
	s.logger.Warn().Str("batch_id", id).Msg("batch reset to pending")
	return nil
}

// Counts reports batch counts by state.
func (s *Settler) Counts(ctx context.Context) (map[usage.BatchState]int64, error) {
	return s.batches.CountByState(ctx)
}
