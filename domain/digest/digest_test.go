package digest_test

import (
	"errors"
	"math"
	"testing"

	"github.com/artpar/tokenledger/domain/digest"
)

func mustNew(t *testing.T) *digest.Digest {
	t.Helper()
	d, err := digest.New(digest.DefaultCompression)
	if err != nil {
		t.Fatalf("new digest: %v", err)
	}
	return d
}

func TestEmptyDigest(t *testing.T) {
	d := mustNew(t)

	s := d.Stats()
	if s.Count != 0 {
		t.Errorf("Count = %d, want 0", s.Count)
	}
	if s.P50 != 0 || s.P99 != 0 || s.Mean != 0 {
		t.Errorf("Stats = %+v, want zero values", s)
	}
}

func TestAddExactStats(t *testing.T) {
	d := mustNew(t)
	for _, v := range []float64{120, 80, 300, 50, 450} {
		if err := d.Add(v); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if d.Count() != 5 {
		t.Errorf("Count = %d, want 5", d.Count())
	}
	if d.Min() != 50 {
		t.Errorf("Min = %v, want 50", d.Min())
	}
	if d.Max() != 450 {
		t.Errorf("Max = %v, want 450", d.Max())
	}
	if d.Mean() != 200 {
		t.Errorf("Mean = %v, want 200", d.Mean())
	}
}

func TestAddRejectsNaN(t *testing.T) {
	d := mustNew(t)
	if err := d.Add(math.NaN()); err == nil {
		t.Error("Add(NaN) succeeded, want error")
	}
	if d.Count() != 0 {
		t.Errorf("Count = %d, want 0", d.Count())
	}
}

func TestQuantilesApproximateUniform(t *testing.T) {
	d := mustNew(t)
	for i := 1; i <= 10000; i++ {
		if err := d.Add(float64(i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	tests := []struct {
		q    float64
		want float64
	}{
		{0.50, 5000},
		{0.90, 9000},
		{0.95, 9500},
		{0.99, 9900},
	}
	for _, tt := range tests {
		got := d.Quantile(tt.q)
		if math.Abs(got-tt.want) > 200 {
			t.Errorf("Quantile(%v) = %v, want ~%v", tt.q, got, tt.want)
		}
	}
}

func TestMergeDisjointSets(t *testing.T) {
	low, err := digest.FromSamples(digest.DefaultCompression, 10, 20, 30, 40, 50)
	if err != nil {
		t.Fatalf("low: %v", err)
	}
	high, err := digest.FromSamples(digest.DefaultCompression, 1000, 2000, 3000)
	if err != nil {
		t.Fatalf("high: %v", err)
	}

	if err := low.Merge(high); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if low.Count() != 8 {
		t.Errorf("Count = %d, want 8", low.Count())
	}
	if low.Min() != 10 {
		t.Errorf("Min = %v, want 10", low.Min())
	}
	if low.Max() != 3000 {
		t.Errorf("Max = %v, want 3000", low.Max())
	}
	p50 := low.Quantile(0.5)
	if p50 < 10 || p50 > 3000 {
		t.Errorf("p50 = %v, want within [10, 3000]", p50)
	}
	if high.Count() != 3 {
		t.Errorf("merge mutated source: Count = %d, want 3", high.Count())
	}
}

func TestMergeIntoEmpty(t *testing.T) {
	d := mustNew(t)
	src, err := digest.FromSamples(0, 7, 9)
	if err != nil {
		t.Fatalf("src: %v", err)
	}

	if err := d.Merge(src); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if d.Min() != 7 || d.Max() != 9 {
		t.Errorf("Min/Max = %v/%v, want 7/9", d.Min(), d.Max())
	}
	if err := d.Merge(nil); err != nil {
		t.Errorf("Merge(nil) = %v, want nil", err)
	}
}

func TestRoundTrip(t *testing.T) {
	d := mustNew(t)
	for i := 0; i < 5000; i++ {
		if err := d.Add(float64(i%977) + 0.5); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	data, err := d.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) > 16*1024 {
		t.Errorf("serialized size = %d bytes, want a compact encoding", len(data))
	}

	loaded, err := digest.Load(data, digest.DefaultCompression)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want, got := d.Stats(), loaded.Stats()
	if got.Count != want.Count || got.Min != want.Min || got.Max != want.Max || got.Mean != want.Mean {
		t.Errorf("loaded stats = %+v, want %+v", got, want)
	}
	if math.Abs(got.P90-want.P90) > 1 {
		t.Errorf("loaded p90 = %v, want ~%v", got.P90, want.P90)
	}

	// A reloaded digest keeps accepting samples.
	if err := loaded.Add(5000); err != nil {
		t.Fatalf("add after load: %v", err)
	}
	if loaded.Max() != 5000 {
		t.Errorf("Max = %v, want 5000", loaded.Max())
	}
}

func TestLoadEmptyAndCorrupt(t *testing.T) {
	d, err := digest.Load(nil, 50)
	if err != nil {
		t.Fatalf("load nil: %v", err)
	}
	if d.Count() != 0 || d.Compression() != 50 {
		t.Errorf("Count/Compression = %d/%v, want 0/50", d.Count(), d.Compression())
	}

	if _, err := digest.Load([]byte{9, 9, 9}, 0); !errors.Is(err, digest.ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}
