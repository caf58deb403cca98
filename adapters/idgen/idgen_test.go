package idgen_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/artpar/tokenledger/adapters/clock"
	"github.com/artpar/tokenledger/adapters/idgen"
)

func TestUUID_New(t *testing.T) {
	g := idgen.UUID{}

	id := g.New()
	uuidRegex := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !uuidRegex.MatchString(id) {
		t.Errorf("ID %s doesn't match UUID v4 format", id)
	}
	if id == g.New() {
		t.Error("expected unique IDs")
	}
}

func TestBatch_New(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := idgen.Batch{Clock: clock.NewFake(now)}

	id := g.New()
	re := regexp.MustCompile(`^2025-06-01_1748779200000_[0-9a-f]{8}$`)
	if !re.MatchString(id) {
		t.Errorf("batch id %s doesn't match {date}_{millis}_{hex8}", id)
	}
	if id == g.New() {
		t.Error("expected unique batch ids within the same millisecond")
	}
}

func TestSequential(t *testing.T) {
	g := idgen.NewSequential("bonus-")

	if got := g.New(); got != "bonus-1" {
		t.Errorf("first = %s, want bonus-1", got)
	}
	if got := g.New(); got != "bonus-2" {
		t.Errorf("second = %s, want bonus-2", got)
	}

	g.Reset()
	if got := g.New(); got != "bonus-1" {
		t.Errorf("after reset = %s, want bonus-1", got)
	}
}
