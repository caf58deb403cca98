package memory

import (
	"cmp"
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/artpar/tokenledger/domain/quota"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
)

// quotaShard is a single shard of the quota store. It owns the quota rows,
// history and bonus records of the users hashed to it, so each mutation
// takes one lock.
type quotaShard struct {
	mu      sync.RWMutex
	quotas  map[string]quota.UserQuota
	history map[string][]quota.History
	bonuses map[string][]quota.BonusRecord
}

// QuotaStore is a sharded in-memory implementation of ports.QuotaStore.
// Uses sharding to reduce lock contention for high throughput.
type QuotaStore struct {
	shards    []*quotaShard
	numShards int
}

// QuotaStoreConfig configures the quota store.
type QuotaStoreConfig struct {
	NumShards int // Number of shards (default: 32)
}

// NewQuotaStore creates a new sharded in-memory quota store.
func NewQuotaStore(cfg QuotaStoreConfig) *QuotaStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}

	s := &QuotaStore{
		shards:    make([]*quotaShard, cfg.NumShards),
		numShards: cfg.NumShards,
	}
	for i := range s.shards {
		s.shards[i] = &quotaShard{
			quotas:  make(map[string]quota.UserQuota),
			history: make(map[string][]quota.History),
			bonuses: make(map[string][]quota.BonusRecord),
		}
	}
	return s
}

// getShard returns the shard for a user using consistent hashing.
func (s *QuotaStore) getShard(userID string) *quotaShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Get returns a user's quota.
func (s *QuotaStore) Get(ctx context.Context, userID string) (quota.UserQuota, error) {
	shard := s.getShard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	q, ok := shard.quotas[userID]
	if !ok {
		return quota.UserQuota{}, quota.ErrUserNotFound
	}
	return q, nil
}

// ApplyUsage increments the open period, creating the row on first use.
func (s *QuotaStore) ApplyUsage(ctx context.Context, d usage.UserDelta, defaults quota.Defaults, now time.Time) (quota.UserQuota, error) {
	shard := s.getShard(d.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	q, ok := shard.quotas[d.UserID]
	if !ok {
		q = quota.New(d.UserID, defaults, now)
	}
	q = quota.AddUsage(q, d, now)
	shard.quotas[d.UserID] = q
	return q, nil
}

// GrantBonus appends the record and adds its amount to the bonus balance.
func (s *QuotaStore) GrantBonus(ctx context.Context, rec quota.BonusRecord) (quota.UserQuota, error) {
	shard := s.getShard(rec.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	q, ok := shard.quotas[rec.UserID]
	if !ok {
		return quota.UserQuota{}, quota.ErrUserNotFound
	}
	q, _, err := quota.GrantBonus(q, rec.AmountMicros, rec.Reason, rec.GrantedBy, rec.GrantedAt)
	if err != nil {
		return quota.UserQuota{}, err
	}
	shard.quotas[rec.UserID] = q
	shard.bonuses[rec.UserID] = append(shard.bonuses[rec.UserID], rec)
	return q, nil
}

// UpdateConfig sets the quota switch and ceiling.
func (s *QuotaStore) UpdateConfig(ctx context.Context, userID string, enabled bool, limitMicros int64, now time.Time) (quota.UserQuota, error) {
	shard := s.getShard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	q, ok := shard.quotas[userID]
	if !ok {
		return quota.UserQuota{}, quota.ErrUserNotFound
	}
	q, err := quota.Configure(q, enabled, limitMicros, now)
	if err != nil {
		return quota.UserQuota{}, err
	}
	shard.quotas[userID] = q
	return q, nil
}

// Rollover archives and resets the user's period if it has ended.
func (s *QuotaStore) Rollover(ctx context.Context, userID string, models quota.ModelTotals, now time.Time) (quota.History, bool, error) {
	shard := s.getShard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	q, ok := shard.quotas[userID]
	if !ok {
		return quota.History{}, false, quota.ErrUserNotFound
	}
	if !quota.NeedsRollover(q, now) {
		return quota.History{}, false, nil
	}

	next, h := quota.Rollover(q, models, now)
	archived := slices.ContainsFunc(shard.history[userID], func(old quota.History) bool {
		return old.Year == h.Year && old.Month == h.Month
	})
	if !archived {
		shard.history[userID] = append(shard.history[userID], h)
	}
	shard.quotas[userID] = next
	return h, true, nil
}

// ListExpired returns users whose period ended before now.
func (s *QuotaStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	s.each(func(q quota.UserQuota) {
		if quota.NeedsRollover(q, now) {
			ids = append(ids, q.UserID)
		}
	})
	slices.Sort(ids)
	return ids, nil
}

// ListExceeded returns quotas flagged as exceeded, highest usage first.
func (s *QuotaStore) ListExceeded(ctx context.Context) ([]quota.UserQuota, error) {
	var out []quota.UserQuota
	s.each(func(q quota.UserQuota) {
		if q.Exceeded {
			out = append(out, q)
		}
	})
	slices.SortFunc(out, func(a, b quota.UserQuota) int {
		return cmp.Compare(b.UsagePercent, a.UsagePercent)
	})
	return out, nil
}

// ListHistory returns a user's closed periods, newest first.
func (s *QuotaStore) ListHistory(ctx context.Context, userID string, limit int) ([]quota.History, error) {
	shard := s.getShard(userID)
	shard.mu.RLock()
	out := slices.Clone(shard.history[userID])
	shard.mu.RUnlock()

	slices.SortFunc(out, func(a, b quota.History) int {
		if c := cmp.Compare(b.Year, a.Year); c != 0 {
			return c
		}
		return cmp.Compare(b.Month, a.Month)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListBonuses returns a user's bonus grants, newest first.
func (s *QuotaStore) ListBonuses(ctx context.Context, userID string) ([]quota.BonusRecord, error) {
	shard := s.getShard(userID)
	shard.mu.RLock()
	out := slices.Clone(shard.bonuses[userID])
	shard.mu.RUnlock()

	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b quota.BonusRecord) int {
		return b.GrantedAt.Compare(a.GrantedAt)
	})
	return out, nil
}

func (s *QuotaStore) each(fn func(quota.UserQuota)) {
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, q := range shard.quotas {
			fn(q)
		}
		shard.mu.RUnlock()
	}
}

// Ensure interface compliance.
var _ ports.QuotaStore = (*QuotaStore)(nil)
