package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
)

// BatchStore is an in-memory implementation of ports.BatchStore.
type BatchStore struct {
	mu      sync.Mutex
	batches map[string]usage.RawBatch

	// InsertErr, when set, is returned by Insert (for failure tests).
	InsertErr error
}

// NewBatchStore creates a new in-memory batch store.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[string]usage.RawBatch)}
}

// Insert stores a new pending batch.
func (s *BatchStore) Insert(ctx context.Context, b usage.RawBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InsertErr != nil {
		return s.InsertErr
	}
	b.Events = slices.Clone(b.Events)
	b.State = usage.BatchPending
	s.batches[b.ID] = b
	return nil
}

// Get returns one batch with its events.
func (s *BatchStore) Get(ctx context.Context, id string) (usage.RawBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return usage.RawBatch{}, ports.ErrNotFound
	}
	return b, nil
}

// ListPending returns pending batches, oldest first.
func (s *BatchStore) ListPending(ctx context.Context, limit int) ([]usage.RawBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []usage.RawBatch
	for _, b := range s.batches {
		if b.State == usage.BatchPending {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b usage.RawBatch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BatchStore) transition(id string, from usage.BatchState, fn func(*usage.RawBatch)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok || b.State != from {
		return ports.ErrBatchNotClaimed
	}
	fn(&b)
	s.batches[id] = b
	return nil
}

// Claim moves a batch from pending to processing.
func (s *BatchStore) Claim(ctx context.Context, id string, at time.Time) error {
	return s.transition(id, usage.BatchPending, func(b *usage.RawBatch) {
		b.State = usage.BatchProcessing
		b.ClaimedAt = at
	})
}

// MarkProcessed moves a claimed batch to processed.
func (s *BatchStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return s.transition(id, usage.BatchProcessing, func(b *usage.RawBatch) {
		b.State = usage.BatchProcessed
		b.ProcessedAt = at
	})
}

// Release returns a claimed batch to pending.
func (s *BatchStore) Release(ctx context.Context, id string) error {
	return s.transition(id, usage.BatchProcessing, func(b *usage.RawBatch) {
		b.State = usage.BatchPending
		b.ClaimedAt = time.Time{}
	})
}

// ReleaseStale returns batches claimed before the cutoff to pending.
func (s *BatchStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, b := range s.batches {
		if b.State == usage.BatchProcessing && b.ClaimedAt.Before(claimedBefore) {
			b.State = usage.BatchPending
			b.ClaimedAt = time.Time{}
			s.batches[id] = b
			n++
		}
	}
	return n, nil
}

// Reset returns a processed batch to pending.
func (s *BatchStore) Reset(ctx context.Context, id string) error {
	err := s.transition(id, usage.BatchProcessed, func(b *usage.RawBatch) {
		b.State = usage.BatchPending
		b.ClaimedAt = time.Time{}
		b.ProcessedAt = time.Time{}
	})
	if err != nil {
		return ports.ErrNotFound
	}
	return nil
}

// CountByState reports how many batches are in each state.
func (s *BatchStore) CountByState(ctx context.Context) (map[usage.BatchState]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[usage.BatchState]int64{}
	for _, b := range s.batches {
		counts[b.State]++
	}
	return counts, nil
}

// Len returns the number of stored batches.
func (s *BatchStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// All returns every stored batch, oldest first.
func (s *BatchStore) All() []usage.RawBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]usage.RawBatch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b usage.RawBatch) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Ensure interface compliance.
var _ ports.BatchStore = (*BatchStore)(nil)
