package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"github.com/rs/zerolog"
)

// Flush triggers, as reported to metrics and logs.
const (
	TriggerSize     = "size"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerShutdown = "shutdown"
)

// ErrBufferStopped is returned by Add after Stop.
var ErrBufferStopped = errors.New("event buffer stopped")

// BufferConfig configures the event buffer.
type BufferConfig struct {
	BatchSize     int           // Flush synchronously at this many events (default: 1000)
	FlushInterval time.Duration // Internal flush loop; 0 leaves scheduling to the caller
}

// EventBuffer holds inbound events in memory and writes them to the batch
// store as one raw batch per flush. Only one flush runs at a time. A failed
// write puts the events back at the head of the buffer for the next flush.
type EventBuffer struct {
	store    ports.BatchStore
	batchIDs ports.IDGenerator
	eventIDs ports.IDGenerator
	clock    ports.Clock
	metrics  ports.PipelineMetrics
	logger   zerolog.Logger

	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []usage.Event
	stopped bool

	flushMu sync.Mutex

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewEventBuffer creates a new event buffer. metrics may be nil.
func NewEventBuffer(
	store ports.BatchStore,
	batchIDs, eventIDs ports.IDGenerator,
	clock ports.Clock,
	metrics ports.PipelineMetrics,
	logger zerolog.Logger,
	cfg BufferConfig,
) *EventBuffer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &EventBuffer{
		store:         store,
		batchIDs:      batchIDs,
		eventIDs:      eventIDs,
		clock:         clock,
		metrics:       metrics,
		logger:        logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		buffer:        make([]usage.Event, 0, cfg.BatchSize),
		stopCh:        make(chan struct{}),
	}
}

// Start runs the internal flush loop when a flush interval is configured.
func (b *EventBuffer) Start() {
	if b.flushInterval <= 0 {
		return
	}
	b.wg.Add(1)
	go b.flushLoop()
}

func (b *EventBuffer) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background(), TriggerSchedule)
		case <-b.stopCh:
			return
		}
	}
}

// Add validates and buffers one event. An invalid event is logged and
// dropped. Reaching the batch size flushes before Add returns; a failed
// flush keeps the events buffered and is not reported to the caller.
func (b *EventBuffer) Add(ctx context.Context, e usage.Event) error {
	if err := e.Validate(); err != nil {
		b.metrics.EventReceived("dropped")
		b.logger.Warn().Err(err).
			Str("event_id", e.EventID).
			Str("user_id", e.UserID).
			Msg("dropping malformed usage event")
		return fmt.Errorf("invalid event: %w", err)
	}
	e = usage.Normalize(e)
	if e.EventID == "" {
		e.EventID = b.eventIDs.New()
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.metrics.EventReceived("dropped")
		return ErrBufferStopped
	}
	b.buffer = append(b.buffer, e)
	n := len(b.buffer)
	b.mu.Unlock()

	b.metrics.EventReceived("accepted")
	b.metrics.BufferSize(n)

	if n >= b.batchSize {
		b.Flush(ctx, TriggerSize)
	}
	return nil
}

// Flush writes every buffered event as one pending raw batch and returns
// how many were written. Flushing an empty buffer is a no-op.
func (b *EventBuffer) Flush(ctx context.Context, trigger string) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	events := b.buffer
	b.buffer = make([]usage.Event, 0, b.batchSize)
	b.mu.Unlock()

	if len(events) == 0 {
		return 0, nil
	}

	batch := usage.NewBatch(b.batchIDs.New(), events, b.clock.Now())
	if err := b.store.Insert(ctx, batch); err != nil {
		b.mu.Lock()
		b.buffer = append(events, b.buffer...)
		n := len(b.buffer)
		b.mu.Unlock()

		b.metrics.Flushed(trigger, "failed", len(events))
		b.metrics.BufferSize(n)
		b.logger.Warn().Err(err).
			Str("trigger", trigger).
			Int("events", len(events)).
			Msg("flush failed; events kept for retry")
		return 0, fmt.Errorf("flush %d events: %w", len(events), err)
	}

	b.metrics.Flushed(trigger, "ok", len(events))
	b.metrics.BufferSize(b.Len())
	b.logger.Info().
		Str("batch_id", batch.ID).
		Str("trigger", trigger).
		Int("events", len(events)).
		Msg("buffer flushed")
	return len(events), nil
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Stop refuses new events, stops the flush loop and drains the buffer.
// Failed flushes are retried until the buffer is empty or ctx is done.
// Only the first call drains; later calls return its result.
func (b *EventBuffer) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		close(b.stopCh)
		b.wg.Wait()

		b.stopErr = b.drain(ctx)
	})
	return b.stopErr
}

func (b *EventBuffer) drain(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	for {
		_, err := b.Flush(ctx, TriggerShutdown)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			lost := b.Len()
			b.logger.Error().Err(err).Int("events", lost).Msg("shutdown drain gave up; buffered events lost")
			return fmt.Errorf("drain buffer: %d events not persisted: %w", lost, err)
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

// Ensure interface compliance.
var _ ports.EventSink = (*EventBuffer)(nil)
