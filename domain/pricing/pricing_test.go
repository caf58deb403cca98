package pricing_test

import (
	"errors"
	"testing"

	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testTable() pricing.Table {
	return pricing.Table{
		"claude-sonnet-4-20250514": {Input: d("3"), Output: d("15"), CacheRead: d("0.30"), CacheWrite: d("3.75")},
		"claude-opus-4-20250514":   {Input: d("15"), Output: d("75"), CacheRead: d("1.50"), CacheWrite: d("18.75")},
		"claude-3-5-haiku":         {Input: d("0.80"), Output: d("4"), CacheRead: d("0.08"), CacheWrite: d("1.00")},
	}
}

func TestCost_Example(t *testing.T) {
	c := pricing.NewCalculator(testTable())

	got, err := c.Cost("claude-sonnet-4-20250514", pricing.Tokens{
		Input:         1000,
		Output:        500,
		CacheCreation: 100,
		CacheRead:     500,
	})
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if !got.Equal(d("0.011025")) {
		t.Errorf("Cost = %s, want 0.011025", got)
	}
}

func TestCost_EmptyModelIsFree(t *testing.T) {
	c := pricing.NewCalculator(pricing.Table{})

	got, err := c.Cost("", pricing.Tokens{Input: 1_000_000, Output: 1_000_000})
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("Cost = %s, want 0", got)
	}
}

func TestCost_UnknownModel(t *testing.T) {
	c := pricing.NewCalculator(testTable())

	_, err := c.Cost("gpt-4o", pricing.Tokens{Input: 10})
	if !errors.Is(err, pricing.ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
	var ume *pricing.UnknownModelError
	if !errors.As(err, &ume) {
		t.Fatalf("err is not *UnknownModelError")
	}
	if ume.Model != "gpt-4o" {
		t.Errorf("Model = %s, want gpt-4o", ume.Model)
	}
}

func TestLookup_PrefixFallback(t *testing.T) {
	c := pricing.NewCalculator(testTable())

	tests := []struct {
		model     string
		wantInput string
		wantErr   bool
	}{
		{"claude-sonnet-4-20250514", "3", false},
		{"claude-sonnet-4-20250929", "3", false},
		{"claude-opus-4-20250601", "15", false},
		{"claude-3-5-haiku-latest", "0.8", false},
		{"claude-sonnet", "", true},
		{"mistral-large", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			r, err := c.Lookup(tt.model)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Lookup(%s) succeeded, want error", tt.model)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup(%s): %v", tt.model, err)
			}
			if !r.Input.Equal(d(tt.wantInput)) {
				t.Errorf("Input = %s, want %s", r.Input, tt.wantInput)
			}
		})
	}
}

func TestTokenCost_RoundsHalfUp(t *testing.T) {
	// 1 token at $2.5/M = 0.0000025 -> 0.000003
	got := pricing.TokenCost(1, d("2.5"))
	if !got.Equal(d("0.000003")) {
		t.Errorf("TokenCost = %s, want 0.000003", got)
	}

	// 1 token at $2.4/M = 0.0000024 -> 0.000002
	got = pricing.TokenCost(1, d("2.4"))
	if !got.Equal(d("0.000002")) {
		t.Errorf("TokenCost = %s, want 0.000002", got)
	}

	if got := pricing.TokenCost(-5, d("3")); !got.IsZero() {
		t.Errorf("TokenCost(-5) = %s, want 0", got)
	}
}

func TestBreakdown(t *testing.T) {
	c := pricing.NewCalculator(testTable())

	b, err := c.Breakdown("claude-opus-4-20250514", pricing.Tokens{
		Input:         2000,
		Output:        1000,
		CacheCreation: 400,
		CacheRead:     10000,
	})
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}

	if !b.Input.Equal(d("0.03")) {
		t.Errorf("Input = %s, want 0.03", b.Input)
	}
	if !b.Output.Equal(d("0.075")) {
		t.Errorf("Output = %s, want 0.075", b.Output)
	}
	if !b.CacheRead.Equal(d("0.015")) {
		t.Errorf("CacheRead = %s, want 0.015", b.CacheRead)
	}
	if !b.CacheWrite.Equal(d("0.0075")) {
		t.Errorf("CacheWrite = %s, want 0.0075", b.CacheWrite)
	}
	if !b.Total().Equal(d("0.1275")) {
		t.Errorf("Total = %s, want 0.1275", b.Total())
	}
}

func TestCacheSavings(t *testing.T) {
	c := pricing.NewCalculator(testTable())

	// 10000 tokens: 0.03 as input, 0.003 as cache read.
	got, err := c.CacheSavings("claude-sonnet-4-20250514", 10000)
	if err != nil {
		t.Fatalf("savings: %v", err)
	}
	if !got.Equal(d("0.027")) {
		t.Errorf("CacheSavings = %s, want 0.027", got)
	}

	got, err = c.CacheSavings("", 10000)
	if err != nil || !got.IsZero() {
		t.Errorf("CacheSavings(empty) = %s, %v; want 0, nil", got, err)
	}
}

func TestSetTable_Swaps(t *testing.T) {
	c := pricing.NewCalculator(pricing.Table{})

	if _, err := c.Lookup("claude-3-5-haiku"); err == nil {
		t.Fatal("expected unknown model before swap")
	}

	c.SetTable(testTable())

	if _, err := c.Lookup("claude-3-5-haiku"); err != nil {
		t.Errorf("Lookup after swap: %v", err)
	}
	if got := len(c.Models()); got != 3 {
		t.Errorf("len(Models) = %d, want 3", got)
	}
}

func TestMicros(t *testing.T) {
	if got := pricing.ToMicros(d("0.011025")); got != 11025 {
		t.Errorf("ToMicros = %d, want 11025", got)
	}
	if got := pricing.FromMicros(11025); !got.Equal(d("0.011025")) {
		t.Errorf("FromMicros = %s, want 0.011025", got)
	}
}
