package app_test

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/tokenledger/adapters/clock"
	"github.com/artpar/tokenledger/adapters/idgen"
	"github.com/artpar/tokenledger/adapters/memory"
	"github.com/artpar/tokenledger/app"
	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/artpar/tokenledger/domain/quota"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const sonnet = "claude-sonnet-4-20250514"

// One sonnet event as built by event costs 0.011025 USD.
const sonnetEventMicros = 11025

var june = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func priceTable() pricing.Table {
	return pricing.Table{
		sonnet: {Input: d("3"), Output: d("15"), CacheRead: d("0.30"), CacheWrite: d("3.75")},
	}
}

func event(id, user, model string, at time.Time, latency int64) usage.Event {
	return usage.Event{
		EventID: id, UserID: user, Model: model, Timestamp: at,
		InputTokens: 1000, OutputTokens: 500, CacheCreationTokens: 100, CacheReadTokens: 500,
		LatencyMs: latency, Status: usage.StatusSuccess,
	}
}

type fakeMetrics struct {
	mu      sync.Mutex
	settled map[string]int
	unknown map[string]int
	cost    map[string]int64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{settled: map[string]int{}, unknown: map[string]int{}, cost: map[string]int64{}}
}

func (m *fakeMetrics) BufferSize(int)              {}
func (m *fakeMetrics) EventReceived(string)        {}
func (m *fakeMetrics) Flushed(string, string, int) {}

func (m *fakeMetrics) BatchSettled(r string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[r]++
}
func (m *fakeMetrics) Cost(model string, micros int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cost[model] += micros
}
func (m *fakeMetrics) UnknownPricing(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unknown[model]++
}

type harness struct {
	clock      *clock.Fake
	batches    *memory.BatchStore
	rollups    *memory.RollupStore
	quotas     *memory.QuotaStore
	metrics    *fakeMetrics
	ledger     *app.QuotaLedger
	aggregator *app.Aggregator
	settler    *app.Settler
}

func newHarness(defaults quota.Defaults) *harness {
	h := &harness{
		clock:   clock.NewFake(june),
		batches: memory.NewBatchStore(),
		rollups: memory.NewRollupStore(),
		quotas:  memory.NewQuotaStore(memory.QuotaStoreConfig{}),
		metrics: newFakeMetrics(),
	}
	logger := zerolog.Nop()
	h.ledger = app.NewQuotaLedger(h.quotas, h.rollups, idgen.NewSequential("bonus-"), h.clock, logger)
	h.aggregator = app.NewAggregator(h.rollups, h.quotas, h.ledger, pricing.NewCalculator(priceTable()),
		h.clock, h.metrics, logger, app.AggregatorConfig{QuotaDefaults: defaults})
	h.settler = app.NewSettler(h.batches, nil, h.aggregator, h.ledger, h.clock, h.metrics, logger, app.SettlerConfig{})
	return h
}

func (h *harness) insert(id string, events ...usage.Event) {
	h.batches.Insert(context.Background(), usage.NewBatch(id, events, h.clock.Now()))
	h.clock.Advance(time.Second)
}
