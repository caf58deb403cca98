package memory

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/tokenledger/ports"
)

type lease struct {
	token   uint64
	expires time.Time
}

// Locker is an in-process implementation of ports.Locker. It only
// coordinates goroutines of one process.
type Locker struct {
	mu     sync.Mutex
	clock  ports.Clock
	leases map[string]lease
	next   uint64
}

// NewLocker creates a new in-memory locker.
func NewLocker(clock ports.Clock) *Locker {
	return &Locker{
		clock:  clock,
		leases: make(map[string]lease),
	}
}

// Acquire takes the named lease for ttl.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if cur, ok := l.leases[name]; ok && now.Before(cur.expires) {
		return nil, ports.ErrLockHeld
	}
	l.next++
	token := l.next
	l.leases[name] = lease{token: token, expires: now.Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// A lease that expired and was taken over is not ours to drop.
		if cur, ok := l.leases[name]; ok && cur.token == token {
			delete(l.leases, name)
		}
		return nil
	}
	return release, nil
}

// Clear removes all leases (for testing).
func (l *Locker) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leases = make(map[string]lease)
}

// Ensure interface compliance.
var _ ports.Locker = (*Locker)(nil)
