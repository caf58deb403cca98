// Package redis provides a distributed lock backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenledger/ports"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token, so an
// expired lease taken over by another owner is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLeaseLost is returned by release when the lease expired and was
// taken over before it was released.
var ErrLeaseLost = errors.New("lease expired before release")

// Connect opens a client and checks the server answers.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	c := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return c, nil
}

// Locker implements ports.Locker with SET NX PX.
type Locker struct {
	client goredis.UniversalClient
}

// NewLocker creates a locker on an open client.
func NewLocker(client goredis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// Acquire takes the named lease for ttl.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ports.ErrLockHeld
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{name}, token).Int()
		if err != nil {
			return fmt.Errorf("release %s: %w", name, err)
		}
		if n == 0 {
			return ErrLeaseLost
		}
		return nil
	}
	return release, nil
}

// HealthCheck pings the server.
func (l *Locker) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Ensure interface compliance.
var _ ports.Locker = (*Locker)(nil)
