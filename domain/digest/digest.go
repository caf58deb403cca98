// Package digest provides a mergeable, serializable latency percentile sketch.
//
// A Digest wraps a t-digest and additionally tracks the exact minimum,
// maximum and sum of every sample it has seen, so count/min/max/mean are
// exact while quantiles are approximate.
package digest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/caio/go-tdigest/v4"
)

// DefaultCompression keeps a serialized digest around one kilobyte.
const DefaultCompression = 100

const (
	formatVersion = 1
	headerSize    = 1 + 3*8
)

// ErrCorrupt is returned when a serialized digest cannot be decoded.
var ErrCorrupt = errors.New("corrupt digest")

// Stats is a point-in-time summary of a digest (value type).
type Stats struct {
	Count uint64  `json:"count" bson:"count"`
	Min   float64 `json:"min" bson:"min"`
	Max   float64 `json:"max" bson:"max"`
	Mean  float64 `json:"mean" bson:"mean"`
	P50   float64 `json:"p50" bson:"p50"`
	P90   float64 `json:"p90" bson:"p90"`
	P95   float64 `json:"p95" bson:"p95"`
	P99   float64 `json:"p99" bson:"p99"`
}

// Digest is a streaming percentile estimator. Not safe for concurrent use.
type Digest struct {
	td          *tdigest.TDigest
	compression float64
	min, max    float64
	sum         float64
}

// New creates an empty digest. Compression <= 0 selects DefaultCompression.
func New(compression float64) (*Digest, error) {
	if compression <= 0 {
		compression = DefaultCompression
	}
	td, err := tdigest.New(tdigest.Compression(compression))
	if err != nil {
		return nil, fmt.Errorf("create t-digest: %w", err)
	}
	return &Digest{td: td, compression: compression}, nil
}

// Add ingests one sample.
func (d *Digest) Add(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("invalid sample %v", v)
	}
	if err := d.td.Add(v); err != nil {
		return err
	}
	if d.td.Count() == 1 || v < d.min {
		d.min = v
	}
	if d.td.Count() == 1 || v > d.max {
		d.max = v
	}
	d.sum += v
	return nil
}

// Merge folds other into d. other is left unchanged.
func (d *Digest) Merge(other *Digest) error {
	if other == nil || other.Count() == 0 {
		return nil
	}
	wasEmpty := d.Count() == 0
	if err := d.td.Merge(other.td); err != nil {
		return fmt.Errorf("merge t-digest: %w", err)
	}
	if wasEmpty || other.min < d.min {
		d.min = other.min
	}
	if wasEmpty || other.max > d.max {
		d.max = other.max
	}
	d.sum += other.sum
	return nil
}

// Compression returns the accuracy parameter the digest was created with.
func (d *Digest) Compression() float64 { return d.compression }

// Count returns the number of samples ingested.
func (d *Digest) Count() uint64 {
	return d.td.Count()
}

// Min returns the smallest sample, or 0 when empty.
func (d *Digest) Min() float64 { return d.min }

// Max returns the largest sample, or 0 when empty.
func (d *Digest) Max() float64 { return d.max }

// Mean returns the arithmetic mean, or 0 when empty.
func (d *Digest) Mean() float64 {
	n := d.Count()
	if n == 0 {
		return 0
	}
	return d.sum / float64(n)
}

// Quantile estimates the q-th quantile (0..1), clamped to the observed range.
// Returns 0 for an empty digest.
func (d *Digest) Quantile(q float64) float64 {
	if d.Count() == 0 {
		return 0
	}
	v := d.td.Quantile(q)
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(d.min, math.Min(d.max, v))
}

// Stats snapshots count, min, max, mean and the standard percentiles.
func (d *Digest) Stats() Stats {
	return Stats{
		Count: d.Count(),
		Min:   d.min,
		Max:   d.max,
		Mean:  d.Mean(),
		P50:   d.Quantile(0.50),
		P90:   d.Quantile(0.90),
		P95:   d.Quantile(0.95),
		P99:   d.Quantile(0.99),
	}
}

// MarshalBinary encodes the digest as a version byte, the min/max/sum header
// and the t-digest's own encoding.
func (d *Digest) MarshalBinary() ([]byte, error) {
	body, err := d.td.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("encode t-digest: %w", err)
	}
	buf := make([]byte, headerSize, headerSize+len(body))
	buf[0] = formatVersion
	binary.BigEndian.PutUint64(buf[1:], math.Float64bits(d.min))
	binary.BigEndian.PutUint64(buf[9:], math.Float64bits(d.max))
	binary.BigEndian.PutUint64(buf[17:], math.Float64bits(d.sum))
	return append(buf, body...), nil
}

// Load decodes a digest produced by MarshalBinary. An empty input yields a
// new empty digest with the given compression.
func Load(data []byte, compression float64) (*Digest, error) {
	if len(data) == 0 {
		return New(compression)
	}
	if len(data) < headerSize || data[0] != formatVersion {
		return nil, ErrCorrupt
	}
	td, err := tdigest.FromBytes(bytes.NewReader(data[headerSize:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Digest{
		td:          td,
		compression: compression,
		min:         math.Float64frombits(binary.BigEndian.Uint64(data[1:])),
		max:         math.Float64frombits(binary.BigEndian.Uint64(data[9:])),
		sum:         math.Float64frombits(binary.BigEndian.Uint64(data[17:])),
	}, nil
}

// FromSamples builds a digest from a slice of samples.
func FromSamples(compression float64, samples ...float64) (*Digest, error) {
	d, err := New(compression)
	if err != nil {
		return nil, err
	}
	for _, v := range samples {
		if err := d.Add(v); err != nil {
			return nil, err
		}
	}
	return d, nil
}
