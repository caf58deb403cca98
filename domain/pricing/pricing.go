// Package pricing computes token costs from a per-model rate table.
// All functions are deterministic with no side effects.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for every money amount.
const Scale = 6

// PrefixLen is how many leading characters of a configured model name are
// compared when an exact lookup misses.
const PrefixLen = 15

var million = decimal.NewFromInt(1_000_000)

// ErrUnknownModel is returned when a model has no configured rates.
var ErrUnknownModel = errors.New("unknown model pricing")

// UnknownModelError carries the model name that failed to resolve.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model pricing: %q", e.Model)
}

// Is reports whether target is ErrUnknownModel.
func (e *UnknownModelError) Is(target error) bool {
	return target == ErrUnknownModel
}

// Rates are USD prices per million tokens (value type).
type Rates struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheRead  decimal.Decimal
	CacheWrite decimal.Decimal
}

// Table maps a model name to its rates.
type Table map[string]Rates

// Tokens are the billable token counts of one request.
// Input already excludes cache-read tokens.
type Tokens struct {
	Input         int64
	Output        int64
	CacheCreation int64
	CacheRead     int64
}

// Breakdown is a cost split by token category.
type Breakdown struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheRead  decimal.Decimal
	CacheWrite decimal.Decimal
}

// Total returns the sum of all categories.
func (b Breakdown) Total() decimal.Decimal {
	return b.Input.Add(b.Output).Add(b.CacheRead).Add(b.CacheWrite)
}

// Add returns the category-wise sum of b and o.
func (b Breakdown) Add(o Breakdown) Breakdown {
	return Breakdown{
		Input:      b.Input.Add(o.Input),
		Output:     b.Output.Add(o.Output),
		CacheRead:  b.CacheRead.Add(o.CacheRead),
		CacheWrite: b.CacheWrite.Add(o.CacheWrite),
	}
}

// TokenCost prices n tokens at a per-million rate, rounded half-up to Scale digits.
// Non-positive counts cost nothing.
// This is a PURE function.
func TokenCost(n int64, perMillion decimal.Decimal) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(n).Mul(perMillion).DivRound(million, Scale)
}

// Calculator prices requests against a rate table that can be swapped at runtime.
type Calculator struct {
	table atomic.Pointer[Table]
	keys  atomic.Pointer[[]string]
}

// NewCalculator creates a calculator over the given table.
func NewCalculator(t Table) *Calculator {
	c := &Calculator{}
	c.SetTable(t)
	return c
}

// SetTable replaces the rate table. Safe for concurrent use with lookups.
func (c *Calculator) SetTable(t Table) {
	cp := make(Table, len(t))
	keys := make([]string, 0, len(t))
	for k, v := range t {
		cp[k] = v
		keys = append(keys, k)
	}
	// Longest names first so the most specific prefix wins.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	c.table.Store(&cp)
	c.keys.Store(&keys)
}

// Models returns the configured model names.
func (c *Calculator) Models() []string {
	keys := *c.keys.Load()
	out := make([]string, len(keys))
	copy(out, keys)
	sort.Strings(out)
	return out
}

// Lookup resolves rates for a model: exact match first, then the first
// configured name whose leading PrefixLen characters prefix the model.
func (c *Calculator) Lookup(model string) (Rates, error) {
	table := *c.table.Load()
	if r, ok := table[model]; ok {
		return r, nil
	}
	for _, key := range *c.keys.Load() {
		n := min(PrefixLen, len(key))
		if len(model) >= n && model[:n] == key[:n] {
			return table[key], nil
		}
	}
	return Rates{}, &UnknownModelError{Model: model}
}

// Breakdown prices each token category separately.
// An empty model name costs zero and never fails.
func (c *Calculator) Breakdown(model string, t Tokens) (Breakdown, error) {
	if model == "" {
		return Breakdown{}, nil
	}
	r, err := c.Lookup(model)
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{
		Input:      TokenCost(t.Input, r.Input),
		Output:     TokenCost(t.Output, r.Output),
		CacheRead:  TokenCost(t.CacheRead, r.CacheRead),
		CacheWrite: TokenCost(t.CacheCreation, r.CacheWrite),
	}, nil
}

// Cost returns the total price of one request.
func (c *Calculator) Cost(model string, t Tokens) (decimal.Decimal, error) {
	b, err := c.Breakdown(model, t)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Total(), nil
}

// CacheSavings is what the cache-read tokens would have cost as plain input
// minus what they actually cost.
func (c *Calculator) CacheSavings(model string, cacheRead int64) (decimal.Decimal, error) {
	if model == "" || cacheRead <= 0 {
		return decimal.Zero, nil
	}
	r, err := c.Lookup(model)
	if err != nil {
		return decimal.Zero, err
	}
	return TokenCost(cacheRead, r.Input).Sub(TokenCost(cacheRead, r.CacheRead)), nil
}

// ToMicros converts a USD amount to integer millionths, the unit used for
// storage and atomic increments.
func ToMicros(d decimal.Decimal) int64 {
	return d.Shift(Scale).Round(0).IntPart()
}

// FromMicros converts integer millionths back to USD.
func FromMicros(n int64) decimal.Decimal {
	return decimal.New(n, -Scale)
}
