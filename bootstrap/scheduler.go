package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenledger/adapters/clock"
	"github.com/artpar/tokenledger/adapters/memory"
	"github.com/artpar/tokenledger/app"
	"github.com/artpar/tokenledger/ports"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// settlementLock names the lease that keeps scheduled settlement to one
// replica at a time.
const settlementLock = "tokenledger:settlement"

// ErrLockUnavailable is returned by Settle when the lock backend fails.
var ErrLockUnavailable = errors.New("settlement lock unavailable")

// Flusher writes buffered events out as a raw batch.
type Flusher interface {
	Flush(ctx context.Context, trigger string) (int, error)
}

// SettlementRunner settles pending raw batches.
type SettlementRunner interface {
	Settle(ctx context.Context) (app.Result, error)
}

// SchedulerConfig configures the scheduled jobs.
type SchedulerConfig struct {
	FlushSpec  string        // Six-field cron expression for buffer flushes
	SettleSpec string        // Six-field cron expression for settlement
	LockTTL    time.Duration // Lease held by a settlement run (default: 10m)
}

// Scheduler runs buffer flushes and settlement on cron schedules. A job that
// is still running when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	flusher Flusher
	settler SettlementRunner
	locker  ports.Locker
	lockTTL time.Duration
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. A nil locker falls back to an
// in-process lease, which serializes the cron job with manual runs of this
// process but not with other replicas.
func NewScheduler(flusher Flusher, settler SettlementRunner, locker ports.Locker, logger zerolog.Logger, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if locker == nil {
		locker = memory.NewLocker(clock.Real{})
	}

	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    c,
		flusher: flusher,
		settler: settler,
		locker:  locker,
		lockTTL: cfg.LockTTL,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if _, err := c.AddFunc(cfg.FlushSpec, func() { s.RunFlush(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("flush schedule %q: %w", cfg.FlushSpec, err)
	}
	if _, err := c.AddFunc(cfg.SettleSpec, func() { s.RunSettle(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("settlement schedule %q: %w", cfg.SettleSpec, err)
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop prevents new runs and waits for running jobs to finish. When ctx ends
// first, running jobs see their context cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}
}

// RunFlush flushes the buffer once, as the scheduled job does.
func (s *Scheduler) RunFlush(ctx context.Context) {
	if _, err := s.flusher.Flush(ctx, TriggerSchedule); err != nil {
		s.logger.Error().Err(err).Msg("scheduled flush failed")
	}
}

// Settle runs one settlement under the settlement lock. It returns
// ports.ErrLockHeld when another run holds the lock.
func (s *Scheduler) Settle(ctx context.Context) (app.Result, error) {
	release, err := s.locker.Acquire(ctx, settlementLock, s.lockTTL)
	if err != nil {
		if errors.Is(err, ports.ErrLockHeld) {
			return app.Result{}, err
		}
		return app.Result{}, fmt.Errorf("%w: %w", ErrLockUnavailable, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Msg("release settlement lock")
		}
	}()
	return s.settler.Settle(ctx)
}

// RunSettle settles once, as the scheduled job does. It reports whether
// settlement ran.
func (s *Scheduler) RunSettle(ctx context.Context) bool {
	start := time.Now()
	res, err := s.Settle(ctx)
	switch {
	case errors.Is(err, ports.ErrLockHeld):
		s.logger.Debug().Msg("settlement running elsewhere, skipping")
		return false
	case errors.Is(err, ErrLockUnavailable):
		s.logger.Error().Err(err).Msg("skipping settlement")
		return false
	case err != nil:
		s.logger.Error().Err(err).Msg("scheduled settlement failed")
		return true
	}
	s.logger.Info().
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("rolled_over", res.RolledOver).
		Dur("duration", time.Since(start)).
		Msg("scheduled settlement finished")
	return true
}

// cronLogger routes cron's own logging to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
