// Package idgen provides ID generation implementations.
package idgen

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"github.com/google/uuid"
)

// UUID generates UUIDs.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

// Batch generates raw batch ids of the form {date}_{epochMillis}_{8 hex}.
type Batch struct {
	Clock ports.Clock
}

// New generates the next batch id.
func (b Batch) New() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return usage.BatchID(b.Clock.Now(), hex)
}

// Sequential generates sequential IDs (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.prefix + strconv.FormatUint(n, 10)
}

// Reset resets the counter (for testing).
func (s *Sequential) Reset() {
	atomic.StoreUint64(&s.counter, 0)
}

// Ensure interface compliance.
var (
	_ ports.IDGenerator = UUID{}
	_ ports.IDGenerator = Batch{}
	_ ports.IDGenerator = (*Sequential)(nil)
)
