package usage

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/artpar/tokenledger/domain/digest"
	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/shopspring/decimal"
)

// Leaderboard sizes for the system rollup.
const (
	TopModelsLimit = 5
	TopUsersLimit  = 10
)

// Pricer prices one request. *pricing.Calculator satisfies it.
type Pricer interface {
	Breakdown(model string, t pricing.Tokens) (pricing.Breakdown, error)
	CacheSavings(model string, cacheRead int64) (decimal.Decimal, error)
}

// UserDayDelta is what one batch adds to a (date, user) row.
// Latencies are the batch's raw samples; Latency and Digest are filled in
// by the caller after merging them into the persisted digest.
type UserDayDelta struct {
	Date   string
	UserID string
	Counters
	Cost             CostBreakdown
	ErrorBreakdown   map[string]int64
	Hourly           map[int]HourBucket
	Models           map[string]ModelBucket
	Latencies        []float64
	Latency          digest.Stats
	Digest           []byte
	Cache            CacheEfficiency
	PeakHour         int
	PeakHourRequests int64
}

// ModelDayDelta is what one batch adds to a (date, model) row.
type ModelDayDelta struct {
	Date  string
	Model string
	Counters
	Users            []string
	ErrorBreakdown   map[string]int64
	HourlyRequests   map[int]int64
	Latencies        []float64
	Latency          digest.Stats
	Digest           []byte
	Cache            CacheEfficiency
	PeakHour         int
	PeakHourRequests int64
}

// SystemDayDelta is what one batch adds to a date's system row.
type SystemDayDelta struct {
	Date string
	Counters
	Users            []string
	SuccessRate      float64
	AvgLatencyMs     float64
	Latencies        []float64
	Latency          digest.Stats
	Digest           []byte
	CacheHitRate     float64
	CacheSavedMicros int64
	HourlyRequests   map[int]int64
	PeakHour         int
	PeakHourRequests int64
	TopModels        []TopItem
	TopUsers         []TopItem
}

// UserDelta is what one batch adds to a user's quota counters.
type UserDelta struct {
	UserID       string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Requests     int64
	CostMicros   int64
	LastActiveAt time.Time
}

// Rollup holds every delta produced from one batch, ordered by key.
type Rollup struct {
	UserDays   []UserDayDelta
	ModelDays  []ModelDayDelta
	SystemDays []SystemDayDelta
	Users      []UserDelta
}

// Empty reports whether the rollup carries no deltas.
func (r Rollup) Empty() bool {
	return len(r.UserDays) == 0 && len(r.ModelDays) == 0 && len(r.SystemDays) == 0 && len(r.Users) == 0
}

type pricedEvent struct {
	Event
	cost    CostBreakdown
	total   int64
	savings int64
}

// Summarize prices every event and groups the batch into the four rollup
// dimensions. Pricing runs before any grouping, so an unknown model fails the
// whole batch and nothing partial is returned.
// This is a PURE function.
func Summarize(events []Event, p Pricer) (Rollup, error) {
	priced := make([]pricedEvent, 0, len(events))
	for _, e := range events {
		e = Normalize(e)
		b, err := p.Breakdown(e.Model, e.Tokens())
		if err != nil {
			return Rollup{}, fmt.Errorf("price event %s: %w", e.EventID, err)
		}
		s, err := p.CacheSavings(e.Model, e.CacheReadTokens)
		if err != nil {
			return Rollup{}, fmt.Errorf("price event %s: %w", e.EventID, err)
		}
		cost := breakdownMicros(b)
		priced = append(priced, pricedEvent{
			Event:   e,
			cost:    cost,
			total:   cost.Input + cost.Output + cost.CacheRead + cost.CacheWrite,
			savings: pricing.ToMicros(s),
		})
	}

	return Rollup{
		UserDays:   userDays(priced),
		ModelDays:  modelDays(priced),
		SystemDays: systemDays(priced),
		Users:      users(priced),
	}, nil
}

func groupBy(events []pricedEvent, key func(pricedEvent) string) ([]string, map[string][]pricedEvent) {
	groups := make(map[string][]pricedEvent)
	var keys []string
	for _, e := range events {
		k := key(e)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], e)
	}
	slices.Sort(keys)
	return keys, groups
}

func userDays(events []pricedEvent) []UserDayDelta {
	keys, groups := groupBy(events, func(e pricedEvent) string { return UserDayID(e.Date, e.UserID) })
	out := make([]UserDayDelta, 0, len(keys))
	for _, k := range keys {
		group := groups[k]
		d := UserDayDelta{
			Date:           group[0].Date,
			UserID:         group[0].UserID,
			ErrorBreakdown: map[string]int64{},
			Hourly:         map[int]HourBucket{},
			Models:         map[string]ModelBucket{},
		}
		var savings int64
		for _, e := range group {
			d.Counters = d.Counters.Add(countEvent(e.Event, e.total))
			d.Cost = d.Cost.Add(e.cost)
			d.Latencies = append(d.Latencies, float64(e.LatencyMs))
			savings += e.savings
			if !e.IsSuccess() {
				d.ErrorBreakdown[NormalizeErrorType(e.ErrorType)]++
			}

			h := d.Hourly[e.Hour()]
			h.Requests++
			h.Tokens += e.TotalTokens
			h.CostMicros += e.total
			d.Hourly[e.Hour()] = h

			m := d.Models[e.ModelKey()]
			m.InputTokens += e.TotalInputTokens()
			m.OutputTokens += e.OutputTokens
			m.CacheReadTokens += e.CacheReadTokens
			m.Requests++
			if e.IsSuccess() {
				m.Successes++
			} else {
				m.Errors++
			}
			m.CostMicros += e.total
			d.Models[e.ModelKey()] = m
		}
		d.Cache = cacheEfficiency(d.Counters, savings)
		d.PeakHour, d.PeakHourRequests = peakHour(hourRequests(d.Hourly))
		out = append(out, d)
	}
	return out
}

func modelDays(events []pricedEvent) []ModelDayDelta {
	keys, groups := groupBy(events, func(e pricedEvent) string { return ModelDayID(e.Date, e.ModelKey()) })
	out := make([]ModelDayDelta, 0, len(keys))
	for _, k := range keys {
		group := groups[k]
		d := ModelDayDelta{
			Date:           group[0].Date,
			Model:          group[0].ModelKey(),
			ErrorBreakdown: map[string]int64{},
			HourlyRequests: map[int]int64{},
		}
		var savings int64
		for _, e := range group {
			d.Counters = d.Counters.Add(countEvent(e.Event, e.total))
			d.Latencies = append(d.Latencies, float64(e.LatencyMs))
			d.HourlyRequests[e.Hour()]++
			savings += e.savings
			if !e.IsSuccess() {
				d.ErrorBreakdown[NormalizeErrorType(e.ErrorType)]++
			}
		}
		d.Users = distinctUsers(group)
		d.Cache = cacheEfficiency(d.Counters, savings)
		d.PeakHour, d.PeakHourRequests = peakHour(d.HourlyRequests)
		out = append(out, d)
	}
	return out
}

func systemDays(events []pricedEvent) []SystemDayDelta {
	keys, groups := groupBy(events, func(e pricedEvent) string { return e.Date })
	out := make([]SystemDayDelta, 0, len(keys))
	for _, k := range keys {
		group := groups[k]
		d := SystemDayDelta{
			Date:           k,
			HourlyRequests: map[int]int64{},
		}
		for _, e := range group {
			d.Counters = d.Counters.Add(countEvent(e.Event, e.total))
			d.Latencies = append(d.Latencies, float64(e.LatencyMs))
			d.HourlyRequests[e.Hour()]++
			d.CacheSavedMicros += e.savings
		}
		d.Users = distinctUsers(group)
		if d.Requests > 0 {
			d.SuccessRate = float64(d.Successes) / float64(d.Requests)
			d.AvgLatencyMs = float64(d.LatencyMs) / float64(d.Requests)
		}
		if d.InputTokens > 0 {
			d.CacheHitRate = float64(d.CacheReadTokens) / float64(d.InputTokens)
		}
		d.PeakHour, d.PeakHourRequests = peakHour(d.HourlyRequests)
		d.TopModels = leaderboard(group, func(e pricedEvent) string { return e.ModelKey() },
			func(a, b TopItem) int { return cmp.Compare(b.Requests, a.Requests) }, TopModelsLimit)
		d.TopUsers = leaderboard(group, func(e pricedEvent) string { return e.UserID },
			func(a, b TopItem) int { return cmp.Compare(b.Tokens, a.Tokens) }, TopUsersLimit)
		out = append(out, d)
	}
	return out
}

func users(events []pricedEvent) []UserDelta {
	keys, groups := groupBy(events, func(e pricedEvent) string { return e.UserID })
	out := make([]UserDelta, 0, len(keys))
	for _, k := range keys {
		d := UserDelta{UserID: k}
		for _, e := range groups[k] {
			d.InputTokens += e.TotalInputTokens()
			d.OutputTokens += e.OutputTokens
			d.TotalTokens += e.TotalTokens
			d.Requests++
			d.CostMicros += e.total
			if e.Timestamp.After(d.LastActiveAt) {
				d.LastActiveAt = e.Timestamp.UTC()
			}
		}
		out = append(out, d)
	}
	return out
}

func distinctUsers(events []pricedEvent) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.UserID)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func cacheEfficiency(c Counters, savedMicros int64) CacheEfficiency {
	if c.InputTokens == 0 {
		return CacheEfficiency{}
	}
	return CacheEfficiency{
		HitRate:         float64(c.CacheReadTokens) / float64(c.InputTokens),
		CacheReadTokens: c.CacheReadTokens,
		SavedMicros:     savedMicros,
	}
}

func hourRequests(hourly map[int]HourBucket) map[int]int64 {
	out := make(map[int]int64, len(hourly))
	for h, b := range hourly {
		out[h] = b.Requests
	}
	return out
}

// peakHour returns the busiest hour; ties go to the earliest hour.
func peakHour(counts map[int]int64) (int, int64) {
	hour, best := 0, int64(0)
	for h := 0; h < 24; h++ {
		if n := counts[h]; n > best {
			hour, best = h, n
		}
	}
	return hour, best
}

func leaderboard(events []pricedEvent, key func(pricedEvent) string, order func(a, b TopItem) int, limit int) []TopItem {
	keys, groups := groupBy(events, key)
	items := make([]TopItem, 0, len(keys))
	for _, k := range keys {
		item := TopItem{Key: k}
		for _, e := range groups[k] {
			item.Requests++
			item.Tokens += e.TotalTokens
			item.CostMicros += e.total
		}
		items = append(items, item)
	}
	slices.SortStableFunc(items, order)
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
