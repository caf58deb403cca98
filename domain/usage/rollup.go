package usage

import (
	"maps"
	"slices"
	"time"

	"github.com/artpar/tokenledger/domain/digest"
	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/shopspring/decimal"
)

// Counters are the additive totals shared by every rollup row.
// InputTokens is total input (input + cache creation + cache read).
// Money is kept in integer micro-dollars so increments are exact.
type Counters struct {
	InputTokens         int64 `json:"totalInputTokens"`
	OutputTokens        int64 `json:"totalOutputTokens"`
	CacheCreationTokens int64 `json:"totalCacheCreationTokens"`
	CacheReadTokens     int64 `json:"totalCacheReadTokens"`
	TotalTokens         int64 `json:"totalTokens"`
	Requests            int64 `json:"requestCount"`
	Successes           int64 `json:"successCount"`
	Errors              int64 `json:"errorCount"`
	LatencyMs           int64 `json:"totalLatencyMs"`
	CostMicros          int64 `json:"costMicros"`
}

// Add returns the field-wise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		InputTokens:         c.InputTokens + o.InputTokens,
		OutputTokens:        c.OutputTokens + o.OutputTokens,
		CacheCreationTokens: c.CacheCreationTokens + o.CacheCreationTokens,
		CacheReadTokens:     c.CacheReadTokens + o.CacheReadTokens,
		TotalTokens:         c.TotalTokens + o.TotalTokens,
		Requests:            c.Requests + o.Requests,
		Successes:           c.Successes + o.Successes,
		Errors:              c.Errors + o.Errors,
		LatencyMs:           c.LatencyMs + o.LatencyMs,
		CostMicros:          c.CostMicros + o.CostMicros,
	}
}

// CostUSD returns the accumulated cost in dollars.
func (c Counters) CostUSD() decimal.Decimal {
	return pricing.FromMicros(c.CostMicros)
}

func countEvent(e Event, costMicros int64) Counters {
	c := Counters{
		InputTokens:         e.TotalInputTokens(),
		OutputTokens:        e.OutputTokens,
		CacheCreationTokens: e.CacheCreationTokens,
		CacheReadTokens:     e.CacheReadTokens,
		TotalTokens:         e.TotalTokens,
		Requests:            1,
		LatencyMs:           e.LatencyMs,
		CostMicros:          costMicros,
	}
	if e.IsSuccess() {
		c.Successes = 1
	} else {
		c.Errors = 1
	}
	return c
}

// CostBreakdown is cost per token category in micro-dollars.
type CostBreakdown struct {
	Input      int64 `json:"inputMicros"`
	Output     int64 `json:"outputMicros"`
	CacheRead  int64 `json:"cacheReadMicros"`
	CacheWrite int64 `json:"cacheWriteMicros"`
}

// Add returns the category-wise sum.
func (b CostBreakdown) Add(o CostBreakdown) CostBreakdown {
	return CostBreakdown{
		Input:      b.Input + o.Input,
		Output:     b.Output + o.Output,
		CacheRead:  b.CacheRead + o.CacheRead,
		CacheWrite: b.CacheWrite + o.CacheWrite,
	}
}

func breakdownMicros(b pricing.Breakdown) CostBreakdown {
	return CostBreakdown{
		Input:      pricing.ToMicros(b.Input),
		Output:     pricing.ToMicros(b.Output),
		CacheRead:  pricing.ToMicros(b.CacheRead),
		CacheWrite: pricing.ToMicros(b.CacheWrite),
	}
}

// HourBucket is one hour-of-day slot of a user's day.
type HourBucket struct {
	Requests   int64 `json:"requestCount"`
	Tokens     int64 `json:"totalTokens"`
	CostMicros int64 `json:"costMicros"`
}

// ModelBucket is one model's share of a user's day.
type ModelBucket struct {
	InputTokens     int64 `json:"inputTokens"`
	OutputTokens    int64 `json:"outputTokens"`
	CacheReadTokens int64 `json:"cacheReadTokens"`
	Requests        int64 `json:"requestCount"`
	Successes       int64 `json:"successCount"`
	Errors          int64 `json:"errorCount"`
	CostMicros      int64 `json:"costMicros"`
}

// CacheEfficiency describes prompt-cache effectiveness.
// HitRate is cache-read tokens over total input tokens.
type CacheEfficiency struct {
	HitRate         float64 `json:"hitRate"`
	CacheReadTokens int64   `json:"cacheReadTokens"`
	SavedMicros     int64   `json:"savedMicros"`
}

// TopItem is one leaderboard entry.
type TopItem struct {
	Key        string `json:"key"`
	Requests   int64  `json:"requestCount"`
	Tokens     int64  `json:"totalTokens"`
	CostMicros int64  `json:"costMicros"`
}

// DailyUserUsage is the (date, user) rollup row.
type DailyUserUsage struct {
	Date   string `json:"date"`
	UserID string `json:"userId"`
	Counters
	Cost             CostBreakdown          `json:"costBreakdown"`
	ErrorBreakdown   map[string]int64       `json:"errorBreakdown"`
	Hourly           map[int]HourBucket     `json:"hourlyBreakdown"`
	Models           map[string]ModelBucket `json:"modelBreakdown"`
	Latency          digest.Stats           `json:"latencyStats"`
	Digest           []byte                 `json:"-"`
	Cache            CacheEfficiency        `json:"cacheEfficiency"`
	PeakHour         int                    `json:"peakHour"`
	PeakHourRequests int64                  `json:"peakHourRequests"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"lastUpdatedAt"`
}

// DailyModelUsage is the (date, model) rollup row.
type DailyModelUsage struct {
	Date  string `json:"date"`
	Model string `json:"model"`
	Counters
	UniqueUsers      int64            `json:"uniqueUsers"`
	ErrorBreakdown   map[string]int64 `json:"errorBreakdown"`
	HourlyRequests   map[int]int64    `json:"hourlyRequestCount"`
	Latency          digest.Stats     `json:"latencyStats"`
	Digest           []byte           `json:"-"`
	Cache            CacheEfficiency  `json:"cacheEfficiency"`
	PeakHour         int              `json:"peakHour"`
	PeakHourRequests int64            `json:"peakHourRequests"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"lastUpdatedAt"`
}

// SystemDailyStats is the per-date system-wide rollup row.
type SystemDailyStats struct {
	Date string `json:"date"`
	Counters
	UniqueUsers      int64         `json:"uniqueUsers"`
	SuccessRate      float64       `json:"successRate"`
	AvgLatencyMs     float64       `json:"avgLatencyMs"`
	Latency          digest.Stats  `json:"latencyStats"`
	Digest           []byte        `json:"-"`
	CacheHitRate     float64       `json:"systemCacheHitRate"`
	CacheSavedMicros int64         `json:"systemCacheSavedMicros"`
	HourlyRequests   map[int]int64 `json:"hourlyRequestCount"`
	PeakHour         int           `json:"peakHour"`
	PeakHourRequests int64         `json:"peakHourRequests"`
	TopModels        []TopItem     `json:"topModels"`
	TopUsers         []TopItem     `json:"topUsers"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"lastUpdatedAt"`
}

// Row ids used by document stores and digest lookups.
func UserDayID(date, userID string) string { return date + "_" + userID }

// ModelDayID is the id of a (date, model) row.
func ModelDayID(date, model string) string { return date + "_" + model }

// Dimension names a rollup family.
type Dimension string

const (
	DimUserDay   Dimension = "user_day"
	DimModelDay  Dimension = "model_day"
	DimSystemDay Dimension = "system_day"
)

// -----------------------------------------------------------------------------
// Pure apply functions (used by in-memory stores)
// -----------------------------------------------------------------------------

// ApplyUserDay folds a delta into a row: counters and breakdown maps are
// incremented, derived fields are overwritten.
// This is a PURE function.
func ApplyUserDay(row DailyUserUsage, d UserDayDelta, now time.Time) DailyUserUsage {
	if row.CreatedAt.IsZero() {
		row.Date, row.UserID, row.CreatedAt = d.Date, d.UserID, now
	}
	row.Counters = row.Counters.Add(d.Counters)
	row.Cost = row.Cost.Add(d.Cost)
	row.ErrorBreakdown = addCounts(row.ErrorBreakdown, d.ErrorBreakdown)

	hourly := make(map[int]HourBucket, len(row.Hourly)+len(d.Hourly))
	maps.Copy(hourly, row.Hourly)
	for h, b := range d.Hourly {
		cur := hourly[h]
		cur.Requests += b.Requests
		cur.Tokens += b.Tokens
		cur.CostMicros += b.CostMicros
		hourly[h] = cur
	}
	row.Hourly = hourly

	models := make(map[string]ModelBucket, len(row.Models)+len(d.Models))
	maps.Copy(models, row.Models)
	for m, b := range d.Models {
		cur := models[m]
		cur.InputTokens += b.InputTokens
		cur.OutputTokens += b.OutputTokens
		cur.CacheReadTokens += b.CacheReadTokens
		cur.Requests += b.Requests
		cur.Successes += b.Successes
		cur.Errors += b.Errors
		cur.CostMicros += b.CostMicros
		models[m] = cur
	}
	row.Models = models

	row.Latency = d.Latency
	row.Digest = slices.Clone(d.Digest)
	row.Cache = d.Cache
	row.PeakHour, row.PeakHourRequests = d.PeakHour, d.PeakHourRequests
	row.UpdatedAt = now
	return row
}

// ApplyModelDay folds a delta into a (date, model) row. users is the set of
// users already seen for the row; the updated set is returned with the row.
// This is a PURE function.
func ApplyModelDay(row DailyModelUsage, users map[string]struct{}, d ModelDayDelta, now time.Time) (DailyModelUsage, map[string]struct{}) {
	if row.CreatedAt.IsZero() {
		row.Date, row.Model, row.CreatedAt = d.Date, d.Model, now
	}
	row.Counters = row.Counters.Add(d.Counters)
	row.ErrorBreakdown = addCounts(row.ErrorBreakdown, d.ErrorBreakdown)
	row.HourlyRequests = addCounts(row.HourlyRequests, d.HourlyRequests)

	seen := make(map[string]struct{}, len(users)+len(d.Users))
	maps.Copy(seen, users)
	for _, u := range d.Users {
		seen[u] = struct{}{}
	}
	row.UniqueUsers = int64(len(seen))

	row.Latency = d.Latency
	row.Digest = slices.Clone(d.Digest)
	row.Cache = d.Cache
	row.PeakHour, row.PeakHourRequests = d.PeakHour, d.PeakHourRequests
	row.UpdatedAt = now
	return row, seen
}

// ApplySystemDay folds a delta into a per-date system row.
// This is a PURE function.
func ApplySystemDay(row SystemDailyStats, users map[string]struct{}, d SystemDayDelta, now time.Time) (SystemDailyStats, map[string]struct{}) {
	if row.CreatedAt.IsZero() {
		row.Date, row.CreatedAt = d.Date, now
	}
	row.Counters = row.Counters.Add(d.Counters)
	row.HourlyRequests = addCounts(row.HourlyRequests, d.HourlyRequests)
	row.CacheSavedMicros += d.CacheSavedMicros

	seen := make(map[string]struct{}, len(users)+len(d.Users))
	maps.Copy(seen, users)
	for _, u := range d.Users {
		seen[u] = struct{}{}
	}
	row.UniqueUsers = int64(len(seen))

	row.SuccessRate = d.SuccessRate
	row.AvgLatencyMs = d.AvgLatencyMs
	row.Latency = d.Latency
	row.Digest = slices.Clone(d.Digest)
	row.CacheHitRate = d.CacheHitRate
	row.PeakHour, row.PeakHourRequests = d.PeakHour, d.PeakHourRequests
	row.TopModels = slices.Clone(d.TopModels)
	row.TopUsers = slices.Clone(d.TopUsers)
	row.UpdatedAt = now
	return row, seen
}

func addCounts[K comparable](dst, src map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(dst)+len(src))
	maps.Copy(out, dst)
	for k, v := range src {
		out[k] += v
	}
	return out
}
