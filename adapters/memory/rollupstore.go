package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
)

type userSet = map[string]struct{}

// RollupStore is an in-memory implementation of ports.RollupStore.
// A single mutex makes each Apply atomic.
type RollupStore struct {
	mu          sync.RWMutex
	userDays    map[string]usage.DailyUserUsage
	modelDays   map[string]usage.DailyModelUsage
	modelUsers  map[string]userSet
	systemDays  map[string]usage.SystemDailyStats
	systemUsers map[string]userSet

	// ApplyErr, when set, is returned by Apply (for failure tests).
	ApplyErr error
}

// NewRollupStore creates a new in-memory rollup store.
func NewRollupStore() *RollupStore {
	return &RollupStore{
		userDays:    make(map[string]usage.DailyUserUsage),
		modelDays:   make(map[string]usage.DailyModelUsage),
		modelUsers:  make(map[string]userSet),
		systemDays:  make(map[string]usage.SystemDailyStats),
		systemUsers: make(map[string]userSet),
	}
}

// Apply folds every delta into its row.
func (s *RollupStore) Apply(ctx context.Context, r usage.Rollup, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ApplyErr != nil {
		return s.ApplyErr
	}
	for _, d := range r.UserDays {
		id := usage.UserDayID(d.Date, d.UserID)
		s.userDays[id] = usage.ApplyUserDay(s.userDays[id], d, now)
	}
	for _, d := range r.ModelDays {
		id := usage.ModelDayID(d.Date, d.Model)
		s.modelDays[id], s.modelUsers[id] = usage.ApplyModelDay(s.modelDays[id], s.modelUsers[id], d, now)
	}
	for _, d := range r.SystemDays {
		s.systemDays[d.Date], s.systemUsers[d.Date] = usage.ApplySystemDay(s.systemDays[d.Date], s.systemUsers[d.Date], d, now)
	}
	return nil
}

// Digest returns the persisted latency digest of a row, or nil.
func (s *RollupStore) Digest(ctx context.Context, dim usage.Dimension, date, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch dim {
	case usage.DimUserDay:
		return slices.Clone(s.userDays[usage.UserDayID(date, key)].Digest), nil
	case usage.DimModelDay:
		return slices.Clone(s.modelDays[usage.ModelDayID(date, key)].Digest), nil
	case usage.DimSystemDay:
		return slices.Clone(s.systemDays[date].Digest), nil
	default:
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}
}

// GetUserDay returns the (date, user) row.
func (s *RollupStore) GetUserDay(ctx context.Context, date, userID string) (usage.DailyUserUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.userDays[usage.UserDayID(date, userID)]
	if !ok {
		return usage.DailyUserUsage{}, ports.ErrNotFound
	}
	return row, nil
}

// GetModelDay returns the (date, model) row.
func (s *RollupStore) GetModelDay(ctx context.Context, date, model string) (usage.DailyModelUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.modelDays[usage.ModelDayID(date, model)]
	if !ok {
		return usage.DailyModelUsage{}, ports.ErrNotFound
	}
	return row, nil
}

// GetSystemDay returns the system row for a date.
func (s *RollupStore) GetSystemDay(ctx context.Context, date string) (usage.SystemDailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.systemDays[date]
	if !ok {
		return usage.SystemDailyStats{}, ports.ErrNotFound
	}
	return row, nil
}

// ListUserDays returns a user's rows with from <= date <= to, oldest first.
func (s *RollupStore) ListUserDays(ctx context.Context, userID, from, to string) ([]usage.DailyUserUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usage.DailyUserUsage
	for _, row := range s.userDays {
		if row.UserID == userID && row.Date >= from && row.Date <= to {
			out = append(out, row)
		}
	}
	slices.SortFunc(out, func(a, b usage.DailyUserUsage) int {
		if a.Date < b.Date {
			return -1
		}
		if a.Date > b.Date {
			return 1
		}
		return 0
	})
	return out, nil
}

// Ensure interface compliance.
var _ ports.RollupStore = (*RollupStore)(nil)
