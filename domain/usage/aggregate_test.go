package usage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/shopspring/decimal"
)

const sonnet = "claude-sonnet-4-20250514"

func calculator() *pricing.Calculator {
	d := decimal.RequireFromString
	return pricing.NewCalculator(pricing.Table{
		sonnet:             {Input: d("3"), Output: d("15"), CacheRead: d("0.30"), CacheWrite: d("3.75")},
		"claude-3-5-haiku": {Input: d("0.80"), Output: d("4"), CacheRead: d("0.08"), CacheWrite: d("1.00")},
	})
}

func at(hour, minute int) time.Time {
	return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
}

func sampleEvents() []usage.Event {
	return []usage.Event{
		{EventID: "e1", UserID: "alice", Timestamp: at(9, 0), Model: sonnet, Status: "success",
			InputTokens: 1000, OutputTokens: 500, CacheCreationTokens: 100, CacheReadTokens: 500, LatencyMs: 100},
		{EventID: "e2", UserID: "alice", Timestamp: at(9, 30), Model: sonnet, Status: "success",
			InputTokens: 1000, OutputTokens: 500, CacheCreationTokens: 100, CacheReadTokens: 500, LatencyMs: 300},
		{EventID: "e3", UserID: "alice", Timestamp: at(14, 0), Model: "", Status: "error",
			ErrorType: "overloaded_error", LatencyMs: 50},
		{EventID: "e4", UserID: "bob", Timestamp: at(14, 5), Model: "claude-3-5-haiku", Status: "success",
			InputTokens: 2000, OutputTokens: 1000, LatencyMs: 200},
	}
}

func TestSummarize_UserDays(t *testing.T) {
	r, err := usage.Summarize(sampleEvents(), calculator())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if len(r.UserDays) != 2 {
		t.Fatalf("len(UserDays) = %d, want 2", len(r.UserDays))
	}
	alice := r.UserDays[0]
	if alice.UserID != "alice" || alice.Date != "2025-06-01" {
		t.Fatalf("UserDays[0] = %s/%s, want alice/2025-06-01", alice.UserID, alice.Date)
	}
	if alice.Requests != 3 || alice.Successes != 2 || alice.Errors != 1 {
		t.Errorf("requests/success/errors = %d/%d/%d, want 3/2/1", alice.Requests, alice.Successes, alice.Errors)
	}
	// Two sonnet events at 0.011025 each.
	if alice.CostMicros != 22050 {
		t.Errorf("CostMicros = %d, want 22050", alice.CostMicros)
	}
	if alice.InputTokens != 3200 {
		t.Errorf("InputTokens = %d, want 3200", alice.InputTokens)
	}
	if alice.Cost.Input != 6000 || alice.Cost.Output != 15000 || alice.Cost.CacheRead != 300 || alice.Cost.CacheWrite != 750 {
		t.Errorf("Cost = %+v, want {6000 15000 300 750}", alice.Cost)
	}
	if alice.ErrorBreakdown["overloaded"] != 1 {
		t.Errorf("ErrorBreakdown = %v, want overloaded:1", alice.ErrorBreakdown)
	}
	if alice.Hourly[9].Requests != 2 || alice.Hourly[14].Requests != 1 {
		t.Errorf("Hourly = %v, want 9:2 14:1", alice.Hourly)
	}
	if alice.PeakHour != 9 || alice.PeakHourRequests != 2 {
		t.Errorf("peak = %d/%d, want 9/2", alice.PeakHour, alice.PeakHourRequests)
	}
	if m := alice.Models[usage.SanitizeKey(sonnet)]; m.Requests != 2 || m.CostMicros != 22050 {
		t.Errorf("Models[sonnet] = %+v, want 2 requests 22050 micros", m)
	}
	if m := alice.Models[usage.UnknownModel]; m.Errors != 1 {
		t.Errorf("Models[unknown] = %+v, want 1 error", m)
	}
	if len(alice.Latencies) != 3 {
		t.Errorf("len(Latencies) = %d, want 3", len(alice.Latencies))
	}
	// 1000 cache-read tokens out of 3200 total input.
	if alice.Cache.HitRate != 1000.0/3200.0 {
		t.Errorf("HitRate = %v, want %v", alice.Cache.HitRate, 1000.0/3200.0)
	}
	// 1000 tokens * (3 - 0.30) / 1e6 = 0.0027
	if alice.Cache.SavedMicros != 2700 {
		t.Errorf("SavedMicros = %d, want 2700", alice.Cache.SavedMicros)
	}
}

func TestSummarize_ModelDays(t *testing.T) {
	r, err := usage.Summarize(sampleEvents(), calculator())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	byModel := map[string]usage.ModelDayDelta{}
	for _, d := range r.ModelDays {
		byModel[d.Model] = d
	}
	if len(byModel) != 3 {
		t.Fatalf("len(ModelDays) = %d, want 3", len(byModel))
	}
	unknown, ok := byModel[usage.UnknownModel]
	if !ok {
		t.Fatal("missing unknown model row")
	}
	if unknown.Requests != 1 || unknown.CostMicros != 0 {
		t.Errorf("unknown = %d requests %d micros, want 1/0", unknown.Requests, unknown.CostMicros)
	}
	if got := byModel[usage.SanitizeKey(sonnet)].Users; len(got) != 1 || got[0] != "alice" {
		t.Errorf("sonnet Users = %v, want [alice]", got)
	}
}

func TestSummarize_SystemDay(t *testing.T) {
	r, err := usage.Summarize(sampleEvents(), calculator())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if len(r.SystemDays) != 1 {
		t.Fatalf("len(SystemDays) = %d, want 1", len(r.SystemDays))
	}
	s := r.SystemDays[0]
	if s.Requests != 4 || len(s.Users) != 2 {
		t.Errorf("requests/users = %d/%d, want 4/2", s.Requests, len(s.Users))
	}
	if s.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", s.SuccessRate)
	}
	if s.AvgLatencyMs != 162.5 {
		t.Errorf("AvgLatencyMs = %v, want 162.5", s.AvgLatencyMs)
	}
	if len(s.TopModels) != 3 || s.TopModels[0].Key != usage.SanitizeKey(sonnet) {
		t.Errorf("TopModels = %+v, want sonnet first", s.TopModels)
	}
	// bob: 3000 tokens, alice: 2*2100 = 4200 tokens.
	if len(s.TopUsers) != 2 || s.TopUsers[0].Key != "alice" {
		t.Errorf("TopUsers = %+v, want alice first", s.TopUsers)
	}
	// Hours 9 and 14 both saw two requests. Ties go to the earlier hour.
	if s.PeakHour != 9 || s.PeakHourRequests != 2 {
		t.Errorf("peak = %d/%d, want 9/2", s.PeakHour, s.PeakHourRequests)
	}
}

func TestSummarize_Users(t *testing.T) {
	r, err := usage.Summarize(sampleEvents(), calculator())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if len(r.Users) != 2 {
		t.Fatalf("len(Users) = %d, want 2", len(r.Users))
	}
	alice := r.Users[0]
	if alice.Requests != 3 || alice.CostMicros != 22050 {
		t.Errorf("alice = %+v, want 3 requests 22050 micros", alice)
	}
	if !alice.LastActiveAt.Equal(at(14, 0)) {
		t.Errorf("LastActiveAt = %v, want %v", alice.LastActiveAt, at(14, 0))
	}
}

func TestSummarize_UnknownModelFailsWholeBatch(t *testing.T) {
	events := append(sampleEvents(), usage.Event{
		EventID: "bad", UserID: "carol", Timestamp: at(10, 0), Model: "gpt-4o", Status: "success", InputTokens: 1,
	})

	r, err := usage.Summarize(events, calculator())
	if !errors.Is(err, pricing.ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
	if !r.Empty() {
		t.Errorf("rollup = %+v, want empty on error", r)
	}
}

func TestSummarize_Empty(t *testing.T) {
	r, err := usage.Summarize(nil, calculator())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !r.Empty() {
		t.Errorf("rollup not empty for no events")
	}
}

func TestApplyUserDay_Accumulates(t *testing.T) {
	r, err := usage.Summarize(sampleEvents(), calculator())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	now := at(23, 0)

	var row usage.DailyUserUsage
	row = usage.ApplyUserDay(row, r.UserDays[0], now)
	row = usage.ApplyUserDay(row, r.UserDays[0], now)

	if row.Requests != 6 {
		t.Errorf("Requests = %d, want 6", row.Requests)
	}
	if row.Hourly[9].Requests != 4 {
		t.Errorf("Hourly[9] = %d, want 4", row.Hourly[9].Requests)
	}
	if row.ErrorBreakdown["overloaded"] != 2 {
		t.Errorf("ErrorBreakdown = %v, want overloaded:2", row.ErrorBreakdown)
	}
	if row.PeakHour != 9 {
		t.Errorf("PeakHour = %d, want 9", row.PeakHour)
	}
}

func TestApplyModelDay_DistinctUsers(t *testing.T) {
	now := at(23, 0)
	d1 := usage.ModelDayDelta{Date: "2025-06-01", Model: "m", Users: []string{"a", "b"}, Counters: usage.Counters{Requests: 2}}
	d2 := usage.ModelDayDelta{Date: "2025-06-01", Model: "m", Users: []string{"b", "c"}, Counters: usage.Counters{Requests: 2}}

	row, users := usage.ApplyModelDay(usage.DailyModelUsage{}, nil, d1, now)
	row, _ = usage.ApplyModelDay(row, users, d2, now)

	if row.UniqueUsers != 3 {
		t.Errorf("UniqueUsers = %d, want 3", row.UniqueUsers)
	}
	if row.Requests != 4 {
		t.Errorf("Requests = %d, want 4", row.Requests)
	}
}
