package app_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/tokenledger/adapters/clock"
	"github.com/artpar/tokenledger/adapters/idgen"
	"github.com/artpar/tokenledger/adapters/sqlite"
	"github.com/artpar/tokenledger/app"
	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/artpar/tokenledger/domain/quota"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"github.com/rs/zerolog"
)

// sqliteStack wires the settlement pipeline over one SQLite file.
type sqliteStack struct {
	db      *sqlite.DB
	clock   *clock.Fake
	batches *sqlite.BatchStore
	rollups *sqlite.RollupStore
	quotas  ports.QuotaStore
}

func newSQLiteStack(t *testing.T) *sqliteStack {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	batches, err := sqlite.NewBatchStore(db)
	if err != nil {
		t.Fatalf("batch store: %v", err)
	}
	return &sqliteStack{
		db:      db,
		clock:   clock.NewFake(june),
		batches: batches,
		rollups: sqlite.NewRollupStore(db),
		quotas:  sqlite.NewQuotaStore(db),
	}
}

func (s *sqliteStack) settler() *app.Settler {
	logger := zerolog.Nop()
	ledger := app.NewQuotaLedger(s.quotas, s.rollups, idgen.NewSequential("bonus-"), s.clock, logger)
	agg := app.NewAggregator(s.rollups, s.quotas, ledger, pricing.NewCalculator(priceTable()),
		s.clock, nil, logger, app.AggregatorConfig{})
	return app.NewSettler(s.batches, s.db, agg, ledger, s.clock, nil, logger, app.SettlerConfig{})
}

// flakyQuotas fails the first ApplyUsage call.
type flakyQuotas struct {
	ports.QuotaStore
	calls atomic.Int32
}

func (q *flakyQuotas) ApplyUsage(ctx context.Context, d usage.UserDelta, defaults quota.Defaults, now time.Time) (quota.UserQuota, error) {
	if q.calls.Add(1) == 1 {
		return quota.UserQuota{}, errors.New("quota write failed")
	}
	return q.QuotaStore.ApplyUsage(ctx, d, defaults, now)
}

func TestSettler_QuotaFailureRollsBackRollups(t *testing.T) {
	s := newSQLiteStack(t)
	s.quotas = &flakyQuotas{QuotaStore: s.quotas}
	settler := s.settler()
	ctx := context.Background()

	if err := s.batches.Insert(ctx, usage.NewBatch("b1", []usage.Event{event("e1", "alice", sonnet, june, 100)}, june)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res, err := settler.Settle(ctx)
	if err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	if res.Failed != 1 || res.Processed != 0 {
		t.Fatalf("first run = %+v, want 1 failed", res)
	}
	if _, err := s.rollups.GetUserDay(ctx, "2025-06-10", "alice"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("user day after failed run = %v, want ErrNotFound", err)
	}

	res, err = settler.Settle(ctx)
	if err != nil {
		t.Fatalf("second Settle: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("second run = %+v, want 1 processed", res)
	}

	row, err := s.rollups.GetUserDay(ctx, "2025-06-10", "alice")
	if err != nil {
		t.Fatalf("GetUserDay: %v", err)
	}
	if row.Requests != 1 {
		t.Errorf("Requests = %d, want 1", row.Requests)
	}
	sys, err := s.rollups.GetSystemDay(ctx, "2025-06-10")
	if err != nil {
		t.Fatalf("GetSystemDay: %v", err)
	}
	if sys.Requests != 1 {
		t.Errorf("system Requests = %d, want 1", sys.Requests)
	}
	q, err := s.quotas.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if q.PeriodRequests != 1 || q.PeriodCostMicros != sonnetEventMicros {
		t.Errorf("quota = %d requests %d micros, want 1/%d", q.PeriodRequests, q.PeriodCostMicros, sonnetEventMicros)
	}
	b, _ := s.batches.Get(ctx, "b1")
	if b.State != usage.BatchProcessed {
		t.Errorf("State = %s, want processed", b.State)
	}
}

func TestSettler_ConcurrentRunsKeepEveryLatency(t *testing.T) {
	s := newSQLiteStack(t)
	ctx := context.Background()

	const n = 12
	for i := 0; i < n; i++ {
		e := event(fmt.Sprintf("e%d", i), "alice", sonnet, june, int64(100+i))
		at := june.Add(time.Duration(i) * time.Second)
		if err := s.batches.Insert(ctx, usage.NewBatch(fmt.Sprintf("b%02d", i), []usage.Event{e}, at)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var wg sync.WaitGroup
	var processed atomic.Int32
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.settler().Settle(ctx)
			if err != nil {
				t.Errorf("Settle: %v", err)
			}
			processed.Add(int32(res.Processed))
		}()
	}
	wg.Wait()

	if processed.Load() != n {
		t.Errorf("processed = %d, want %d", processed.Load(), n)
	}
	row, err := s.rollups.GetUserDay(ctx, "2025-06-10", "alice")
	if err != nil {
		t.Fatalf("GetUserDay: %v", err)
	}
	if row.Requests != n || row.Latency.Count != n {
		t.Errorf("Requests = %d, Latency.Count = %d, want %d each", row.Requests, row.Latency.Count, n)
	}
	if row.Latency.Min != 100 || row.Latency.Max != 100+n-1 {
		t.Errorf("latency range = %v..%v, want 100..%d", row.Latency.Min, row.Latency.Max, 100+n-1)
	}
}
