package sqlite_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/artpar/tokenledger/adapters/sqlite"
	"github.com/artpar/tokenledger/domain/digest"
	"github.com/artpar/tokenledger/domain/quota"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
)

func setupTestDB(t *testing.T) (*sqlite.DB, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "tokenledger-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := sqlite.Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("open database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		os.Remove(path)
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	}

	return db, cleanup
}

var day = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func TestMigrate_Idempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	// Hold two connections at once so the second one is fresh.
	for i := 0; i < 2; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		defer conn.Close()

		var synchronous, cacheSize, tempStore int
		if err := conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous); err != nil {
			t.Fatalf("synchronous: %v", err)
		}
		if err := conn.QueryRowContext(ctx, "PRAGMA cache_size").Scan(&cacheSize); err != nil {
			t.Fatalf("cache_size: %v", err)
		}
		if err := conn.QueryRowContext(ctx, "PRAGMA temp_store").Scan(&tempStore); err != nil {
			t.Fatalf("temp_store: %v", err)
		}
		// NORMAL = 1, MEMORY = 2.
		if synchronous != 1 || cacheSize != -64000 || tempStore != 2 {
			t.Errorf("conn %d pragmas = synchronous %d cache_size %d temp_store %d, want 1/-64000/2",
				i, synchronous, cacheSize, tempStore)
		}
	}
}

func TestWithinTx_CommitsOrRollsBackAllStores(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	batches := newBatchStore(t, db)
	rollups := sqlite.NewRollupStore(db)
	quotas := sqlite.NewQuotaStore(db)
	ctx := context.Background()

	if err := batches.Insert(ctx, usage.NewBatch("b1", []usage.Event{{UserID: "alice"}}, day)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := batches.Claim(ctx, "b1", day); err != nil {
		t.Fatalf("claim: %v", err)
	}

	d := usage.UserDelta{UserID: "alice", Requests: 2, CostMicros: dollar, LastActiveAt: day}
	unit := func(fail error) func(context.Context) error {
		return func(ctx context.Context) error {
			if err := rollups.Apply(ctx, usage.Rollup{UserDays: []usage.UserDayDelta{userDayDelta(2, 9)}}, day); err != nil {
				return err
			}
			if _, err := quotas.ApplyUsage(ctx, d, quota.Defaults{}, day); err != nil {
				return err
			}
			if err := batches.MarkProcessed(ctx, "b1", day); err != nil {
				return err
			}
			return fail
		}
	}

	errQuota := errors.New("quota write failed")
	if err := db.WithinTx(ctx, unit(errQuota)); !errors.Is(err, errQuota) {
		t.Fatalf("WithinTx = %v, want the unit's error", err)
	}
	if _, err := rollups.GetUserDay(ctx, "2025-06-01", "alice"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("user day after rollback = %v, want ErrNotFound", err)
	}
	if _, err := quotas.Get(ctx, "alice"); !errors.Is(err, quota.ErrUserNotFound) {
		t.Errorf("quota after rollback = %v, want ErrUserNotFound", err)
	}
	if b, _ := batches.Get(ctx, "b1"); b.State != usage.BatchProcessing {
		t.Errorf("batch state after rollback = %s, want processing", b.State)
	}

	if err := db.WithinTx(ctx, unit(nil)); err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	got, err := rollups.GetUserDay(ctx, "2025-06-01", "alice")
	if err != nil || got.Requests != 2 {
		t.Errorf("user day = %d requests (%v), want 2", got.Requests, err)
	}
	q, err := quotas.Get(ctx, "alice")
	if err != nil || q.PeriodRequests != 2 {
		t.Errorf("quota = %d requests (%v), want 2", q.PeriodRequests, err)
	}
	if b, _ := batches.Get(ctx, "b1"); b.State != usage.BatchProcessed {
		t.Errorf("batch state = %s, want processed", b.State)
	}
}

// -----------------------------------------------------------------------------
// BatchStore Tests
// -----------------------------------------------------------------------------

func newBatchStore(t *testing.T, db *sqlite.DB) *sqlite.BatchStore {
	t.Helper()
	s, err := sqlite.NewBatchStore(db)
	if err != nil {
		t.Fatalf("new batch store: %v", err)
	}
	return s
}

func TestBatchStore_InsertAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newBatchStore(t, db)
	ctx := context.Background()

	events := []usage.Event{
		{EventID: "e1", UserID: "alice", Timestamp: day, Model: "m", InputTokens: 10, Status: "success"},
		{EventID: "e2", UserID: "bob", Timestamp: day, Status: "error", ErrorType: "overloaded_error"},
	}
	b := usage.NewBatch("b1", events, day)
	if err := store.Insert(ctx, b); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EventCount != 2 || len(got.Events) != 2 {
		t.Errorf("events = %d/%d, want 2/2", got.EventCount, len(got.Events))
	}
	if got.State != usage.BatchPending {
		t.Errorf("State = %s, want pending", got.State)
	}
	if got.Events[1].ErrorType != "overloaded_error" || !got.Events[0].Timestamp.Equal(day) {
		t.Errorf("events did not round trip: %+v", got.Events)
	}
	if !got.CreatedAt.Equal(day) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, day)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("get missing = %v, want ErrNotFound", err)
	}
}

func TestBatchStore_ListPendingOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newBatchStore(t, db)
	ctx := context.Background()

	for i, id := range []string{"late", "early", "middle"} {
		at := day.Add(time.Duration([]int{3, 1, 2}[i]) * time.Minute)
		if err := store.Insert(ctx, usage.NewBatch(id, []usage.Event{{UserID: "u"}}, at)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	got, err := store.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].ID != "early" || got[1].ID != "middle" || got[2].ID != "late" {
		t.Errorf("order = %v, want early, middle, late", batchIDs(got))
	}

	limited, err := store.ListPending(ctx, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len = %d, want 2", len(limited))
	}
}

func TestBatchStore_ListPendingSkipsCorrupt(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newBatchStore(t, db)
	ctx := context.Background()

	for i, id := range []string{"good1", "bad", "good2"} {
		at := day.Add(time.Duration(i) * time.Minute)
		if err := store.Insert(ctx, usage.NewBatch(id, []usage.Event{{UserID: "u"}}, at)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if _, err := db.Exec(`UPDATE raw_batches SET payload = x'00ff' WHERE id = 'bad'`); err != nil {
		t.Fatalf("corrupt payload: %v", err)
	}

	got, err := store.ListPending(ctx, 0)
	var corrupt *ports.CorruptBatchError
	if !errors.As(err, &corrupt) || corrupt.ID != "bad" {
		t.Fatalf("ListPending error = %v, want CorruptBatchError for bad", err)
	}
	if len(got) != 2 || got[0].ID != "good1" || got[1].ID != "good2" {
		t.Errorf("readable batches = %v, want good1, good2", batchIDs(got))
	}
}

func batchIDs(bs []usage.RawBatch) []string {
	var ids []string
	for _, b := range bs {
		ids = append(ids, b.ID)
	}
	return ids
}

func TestBatchStore_ClaimLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newBatchStore(t, db)
	ctx := context.Background()

	if err := store.Insert(ctx, usage.NewBatch("b1", []usage.Event{{UserID: "u"}}, day)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.Claim(ctx, "b1", day); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Claim(ctx, "b1", day); !errors.Is(err, ports.ErrBatchNotClaimed) {
		t.Errorf("second claim = %v, want ErrBatchNotClaimed", err)
	}

	pending, _ := store.ListPending(ctx, 0)
	if len(pending) != 0 {
		t.Errorf("claimed batch still listed as pending")
	}

	if err := store.Release(ctx, "b1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Claim(ctx, "b1", day); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := store.MarkProcessed(ctx, "b1", day.Add(time.Minute)); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	got, _ := store.Get(ctx, "b1")
	if !got.Processed() {
		t.Errorf("State = %s, want processed", got.State)
	}
	if err := store.MarkProcessed(ctx, "b1", day); !errors.Is(err, ports.ErrBatchNotClaimed) {
		t.Errorf("mark twice = %v, want ErrBatchNotClaimed", err)
	}

	if err := store.Reset(ctx, "b1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := store.Reset(ctx, "b1"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("reset pending = %v, want ErrNotFound", err)
	}

	counts, err := store.CountByState(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[usage.BatchPending] != 1 {
		t.Errorf("counts = %v, want pending:1", counts)
	}
}

func TestBatchStore_ReleaseStale(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := newBatchStore(t, db)
	ctx := context.Background()

	for _, id := range []string{"old", "fresh"} {
		if err := store.Insert(ctx, usage.NewBatch(id, []usage.Event{{UserID: "u"}}, day)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	store.Claim(ctx, "old", day)
	store.Claim(ctx, "fresh", day.Add(time.Hour))

	n, err := store.ReleaseStale(ctx, day.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("release stale: %v", err)
	}
	if n != 1 {
		t.Errorf("released = %d, want 1", n)
	}
	pending, _ := store.ListPending(ctx, 0)
	if len(pending) != 1 || pending[0].ID != "old" {
		t.Errorf("pending = %v, want [old]", batchIDs(pending))
	}
}

// -----------------------------------------------------------------------------
// RollupStore Tests
// -----------------------------------------------------------------------------

func userDayDelta(requests int64, hour int) usage.UserDayDelta {
	return usage.UserDayDelta{
		Date:   "2025-06-01",
		UserID: "alice",
		Counters: usage.Counters{
			InputTokens: 100 * requests, OutputTokens: 50 * requests, TotalTokens: 150 * requests,
			Requests: requests, Successes: requests, CostMicros: 1000 * requests,
		},
		Cost:           usage.CostBreakdown{Input: 400 * requests, Output: 600 * requests},
		ErrorBreakdown: map[string]int64{"overloaded": 1},
		Hourly:         map[int]usage.HourBucket{hour: {Requests: requests, Tokens: 150 * requests, CostMicros: 1000 * requests}},
		Models:         map[string]usage.ModelBucket{"claude-3_5": {Requests: requests, CostMicros: 1000 * requests}},
		Latency:        digest.Stats{Count: uint64(requests), P50: 120},
		Digest:         []byte{1, 2, 3},
		PeakHour:       hour,
	}
}

func TestRollupStore_UserDayIncrements(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewRollupStore(db)
	ctx := context.Background()

	if err := store.Apply(ctx, usage.Rollup{UserDays: []usage.UserDayDelta{userDayDelta(2, 9)}}, day); err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	if err := store.Apply(ctx, usage.Rollup{UserDays: []usage.UserDayDelta{userDayDelta(3, 14)}}, day.Add(time.Hour)); err != nil {
		t.Fatalf("apply 2: %v", err)
	}

	got, err := store.GetUserDay(ctx, "2025-06-01", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Requests != 5 {
		t.Errorf("Requests = %d, want 5", got.Requests)
	}
	if got.CostMicros != 5000 || got.Cost.Output != 3000 {
		t.Errorf("cost = %d/%d, want 5000/3000", got.CostMicros, got.Cost.Output)
	}
	if got.ErrorBreakdown["overloaded"] != 2 {
		t.Errorf("ErrorBreakdown = %v, want overloaded:2", got.ErrorBreakdown)
	}
	if got.Hourly[9].Requests != 2 || got.Hourly[14].Requests != 3 {
		t.Errorf("Hourly = %v, want 9:2 14:3", got.Hourly)
	}
	if got.Models["claude-3_5"].Requests != 5 {
		t.Errorf("Models = %v, want claude-3_5:5", got.Models)
	}
	// Derived fields come from the last settlement.
	if got.PeakHour != 14 || got.Latency.Count != 3 {
		t.Errorf("derived = peak %d count %d, want 14/3", got.PeakHour, got.Latency.Count)
	}
	if !got.CreatedAt.Equal(day) || !got.UpdatedAt.Equal(day.Add(time.Hour)) {
		t.Errorf("timestamps = %v/%v", got.CreatedAt, got.UpdatedAt)
	}

	blob, err := store.Digest(ctx, usage.DimUserDay, "2025-06-01", "alice")
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if len(blob) != 3 {
		t.Errorf("digest = %v, want 3 bytes", blob)
	}

	days, err := store.ListUserDays(ctx, "alice", "2025-06-01", "2025-06-30")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(days) != 1 || days[0].Models["claude-3_5"].CostMicros != 5000 {
		t.Errorf("ListUserDays = %+v", days)
	}
}

func TestRollupStore_ModelDayUniqueUsers(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewRollupStore(db)
	ctx := context.Background()

	d1 := usage.ModelDayDelta{Date: "2025-06-01", Model: "m", Users: []string{"a", "b"},
		Counters: usage.Counters{Requests: 2}, HourlyRequests: map[int]int64{3: 2}}
	d2 := usage.ModelDayDelta{Date: "2025-06-01", Model: "m", Users: []string{"b", "c"},
		Counters: usage.Counters{Requests: 4}, HourlyRequests: map[int]int64{3: 4}}

	for _, d := range []usage.ModelDayDelta{d1, d2} {
		if err := store.Apply(ctx, usage.Rollup{ModelDays: []usage.ModelDayDelta{d}}, day); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	got, err := store.GetModelDay(ctx, "2025-06-01", "m")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UniqueUsers != 3 {
		t.Errorf("UniqueUsers = %d, want 3", got.UniqueUsers)
	}
	if got.Requests != 6 || got.HourlyRequests[3] != 6 {
		t.Errorf("requests = %d hourly = %v, want 6", got.Requests, got.HourlyRequests)
	}

	if _, err := store.GetModelDay(ctx, "2025-06-01", "other"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("missing = %v, want ErrNotFound", err)
	}
}

func TestRollupStore_SystemDay(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewRollupStore(db)
	ctx := context.Background()

	d := usage.SystemDayDelta{
		Date:             "2025-06-01",
		Counters:         usage.Counters{Requests: 4, Successes: 3},
		Users:            []string{"a", "b"},
		SuccessRate:      0.75,
		CacheSavedMicros: 2700,
		HourlyRequests:   map[int]int64{9: 4},
		TopModels:        []usage.TopItem{{Key: "m", Requests: 4}},
		TopUsers:         []usage.TopItem{{Key: "a", Tokens: 10}},
	}
	for i := 0; i < 2; i++ {
		if err := store.Apply(ctx, usage.Rollup{SystemDays: []usage.SystemDayDelta{d}}, day); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	got, err := store.GetSystemDay(ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Requests != 8 || got.CacheSavedMicros != 5400 {
		t.Errorf("requests/saved = %d/%d, want 8/5400", got.Requests, got.CacheSavedMicros)
	}
	if got.UniqueUsers != 2 {
		t.Errorf("UniqueUsers = %d, want 2", got.UniqueUsers)
	}
	if got.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", got.SuccessRate)
	}
	if len(got.TopModels) != 1 || got.TopModels[0].Key != "m" {
		t.Errorf("TopModels = %+v", got.TopModels)
	}
	if got.HourlyRequests[9] != 8 {
		t.Errorf("HourlyRequests = %v, want 9:8", got.HourlyRequests)
	}

	blob, err := store.Digest(ctx, usage.DimSystemDay, "2025-06-02", "")
	if err != nil || blob != nil {
		t.Errorf("digest of missing row = %v, %v; want nil, nil", blob, err)
	}
}

// -----------------------------------------------------------------------------
// QuotaStore Tests
// -----------------------------------------------------------------------------

const dollar = 1_000_000

func TestQuotaStore_ApplyUsageCreatesAndIncrements(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewQuotaStore(db)
	ctx := context.Background()
	defaults := quota.Defaults{Enabled: true, CostLimitMicros: 20 * dollar}

	if _, err := store.Get(ctx, "alice"); !errors.Is(err, quota.ErrUserNotFound) {
		t.Fatalf("get before usage = %v, want ErrUserNotFound", err)
	}

	d := usage.UserDelta{UserID: "alice", TotalTokens: 100, Requests: 2, CostMicros: 10 * dollar, LastActiveAt: day}
	if _, err := store.ApplyUsage(ctx, d, defaults, day); err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	q, err := store.ApplyUsage(ctx, d, defaults, day)
	if err != nil {
		t.Fatalf("apply 2: %v", err)
	}

	if q.PeriodRequests != 4 || q.PeriodCostMicros != 20*dollar {
		t.Errorf("period = %d requests %d micros, want 4/%d", q.PeriodRequests, q.PeriodCostMicros, 20*dollar)
	}
	if q.UsagePercent != 100 || !q.Exceeded {
		t.Errorf("status = %v%% exceeded=%v, want 100%% exceeded", q.UsagePercent, q.Exceeded)
	}
	if q.PeriodYear != 2025 || q.PeriodMonth != 6 {
		t.Errorf("period = %d-%d, want 2025-6", q.PeriodYear, q.PeriodMonth)
	}

	exceeded, err := store.ListExceeded(ctx)
	if err != nil {
		t.Fatalf("list exceeded: %v", err)
	}
	if len(exceeded) != 1 || exceeded[0].UserID != "alice" {
		t.Errorf("ListExceeded = %+v", exceeded)
	}
}

func TestQuotaStore_GrantBonus(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewQuotaStore(db)
	ctx := context.Background()

	rec := quota.BonusRecord{ID: "bonus-1", UserID: "alice", PeriodYear: 2025, PeriodMonth: 6,
		AmountMicros: 10 * dollar, Reason: "support", GrantedBy: "ops", GrantedAt: day}
	if _, err := store.GrantBonus(ctx, rec); !errors.Is(err, quota.ErrUserNotFound) {
		t.Fatalf("grant to missing user = %v, want ErrUserNotFound", err)
	}

	defaults := quota.Defaults{Enabled: true, CostLimitMicros: 20 * dollar}
	d := usage.UserDelta{UserID: "alice", Requests: 1, CostMicros: 25 * dollar, LastActiveAt: day}
	if _, err := store.ApplyUsage(ctx, d, defaults, day); err != nil {
		t.Fatalf("apply: %v", err)
	}

	q, err := store.GrantBonus(ctx, rec)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if q.UsagePercent != 83.33 || q.Exceeded {
		t.Errorf("status = %v%% exceeded=%v, want 83.33%% not exceeded", q.UsagePercent, q.Exceeded)
	}
	if q.BonusMicros != 10*dollar || q.BonusReason != "support" {
		t.Errorf("bonus = %d %q", q.BonusMicros, q.BonusReason)
	}

	bonuses, err := store.ListBonuses(ctx, "alice")
	if err != nil {
		t.Fatalf("list bonuses: %v", err)
	}
	if len(bonuses) != 1 || bonuses[0].GrantedBy != "ops" {
		t.Errorf("ListBonuses = %+v", bonuses)
	}
}

func TestQuotaStore_UpdateConfig(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewQuotaStore(db)
	ctx := context.Background()

	if _, err := store.UpdateConfig(ctx, "ghost", true, dollar, day); !errors.Is(err, quota.ErrUserNotFound) {
		t.Fatalf("update missing = %v, want ErrUserNotFound", err)
	}

	d := usage.UserDelta{UserID: "alice", Requests: 1, CostMicros: 5 * dollar, LastActiveAt: day}
	if _, err := store.ApplyUsage(ctx, d, quota.Defaults{}, day); err != nil {
		t.Fatalf("apply: %v", err)
	}

	q, err := store.UpdateConfig(ctx, "alice", true, 4*dollar, day)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !q.QuotaEnabled || q.UsagePercent != 125 || !q.Exceeded {
		t.Errorf("after update = %+v", q)
	}

	got, _ := store.Get(ctx, "alice")
	if got.CostLimitMicros != 4*dollar || !got.Exceeded {
		t.Errorf("persisted = limit %d exceeded %v", got.CostLimitMicros, got.Exceeded)
	}
}

func TestQuotaStore_Rollover(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewQuotaStore(db)
	ctx := context.Background()

	defaults := quota.Defaults{Enabled: true, CostLimitMicros: 20 * dollar}
	d := usage.UserDelta{UserID: "alice", TotalTokens: 1000, Requests: 3, CostMicros: 15 * dollar, LastActiveAt: day}
	if _, err := store.ApplyUsage(ctx, d, defaults, day); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, ok, err := store.Rollover(ctx, "alice", quota.ModelTotals{}, day.AddDate(0, 0, 5)); err != nil || ok {
		t.Fatalf("rollover inside period = %v, %v; want no-op", ok, err)
	}

	july := time.Date(2025, 7, 1, 0, 5, 0, 0, time.UTC)
	expired, err := store.ListExpired(ctx, july)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0] != "alice" {
		t.Errorf("ListExpired = %v, want [alice]", expired)
	}

	models := quota.ModelTotals{Tokens: map[string]int64{"m": 1000}, Costs: map[string]int64{"m": 15 * dollar}}
	h, ok, err := store.Rollover(ctx, "alice", models, july)
	if err != nil || !ok {
		t.Fatalf("rollover = %v, %v", ok, err)
	}
	if h.FinalUsagePercent != 75 {
		t.Errorf("FinalUsagePercent = %v, want 75", h.FinalUsagePercent)
	}

	q, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if q.PeriodCostMicros != 0 || q.PeriodMonth != 7 {
		t.Errorf("period after rollover = %d micros month %d", q.PeriodCostMicros, q.PeriodMonth)
	}
	if q.LifetimeCostMicros != 15*dollar {
		t.Errorf("LifetimeCostMicros = %d, want %d", q.LifetimeCostMicros, 15*dollar)
	}

	history, err := store.ListHistory(ctx, "alice", 6)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Month != 6 || history[0].ModelCosts["m"] != 15*dollar {
		t.Errorf("history = %+v", history)
	}

	if _, ok, _ := store.Rollover(ctx, "alice", models, july); ok {
		t.Error("second rollover in the same period should be a no-op")
	}
}
