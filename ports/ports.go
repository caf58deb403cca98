// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenledger/domain/quota"
	"github.com/artpar/tokenledger/domain/usage"
)

// Store errors shared by every backend.
var (
	ErrNotFound        = errors.New("not found")
	ErrBatchNotClaimed = errors.New("batch not claimed: not pending")
	ErrLockHeld        = errors.New("lock held by another owner")
)

// CorruptBatchError reports a stored batch whose events cannot be decoded.
type CorruptBatchError struct {
	ID  string
	Err error
}

func (e *CorruptBatchError) Error() string {
	return fmt.Sprintf("batch %s: unreadable payload: %v", e.ID, e.Err)
}

func (e *CorruptBatchError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Locker hands out a named lease so only one process runs a job at a time.
type Locker interface {
	// Acquire takes the lock for ttl. It returns ErrLockHeld when another
	// owner has it. The returned func releases the lock.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Transactor runs a unit of work atomically. Store calls made with the
// context handed to fn take part in the same transaction; a nested call
// joins the outer one.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// BatchStore is the raw event write-ahead log.
type BatchStore interface {
	// Insert stores a new pending batch.
	Insert(ctx context.Context, b usage.RawBatch) error

	// Get returns one batch with its events.
	Get(ctx context.Context, id string) (usage.RawBatch, error)

	// ListPending returns pending batches, oldest first.
	// limit <= 0 means no limit. Batches that cannot be decoded are left
	// out and reported as joined *CorruptBatchError values next to the
	// readable ones.
	ListPending(ctx context.Context, limit int) ([]usage.RawBatch, error)

	// Claim moves a batch from pending to processing. It returns
	// ErrBatchNotClaimed if the batch is not pending.
	Claim(ctx context.Context, id string, at time.Time) error

	// MarkProcessed moves a claimed batch to processed.
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// Release returns a claimed batch to pending.
	Release(ctx context.Context, id string) error

	// ReleaseStale returns batches claimed before the cutoff to pending.
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error)

	// Reset returns a processed batch to pending for recompute. It returns
	// ErrNotFound when no processed batch has the id.
	Reset(ctx context.Context, id string) error

	// CountByState reports how many batches are in each state.
	CountByState(ctx context.Context) (map[usage.BatchState]int64, error)
}

// RollupStore persists the daily user, model and system rollups.
type RollupStore interface {
	// Apply folds every user-day, model-day and system-day delta into its
	// row with atomic increments, creating rows that do not exist.
	Apply(ctx context.Context, r usage.Rollup, now time.Time) error

	// Digest returns the persisted latency digest of a row, or nil. key is
	// the user id or model and is ignored for the system dimension.
	Digest(ctx context.Context, dim usage.Dimension, date, key string) ([]byte, error)

	// GetUserDay returns the (date, user) row.
	GetUserDay(ctx context.Context, date, userID string) (usage.DailyUserUsage, error)

	// GetModelDay returns the (date, model) row.
	GetModelDay(ctx context.Context, date, model string) (usage.DailyModelUsage, error)

	// GetSystemDay returns the system row for a date.
	GetSystemDay(ctx context.Context, date string) (usage.SystemDailyStats, error)

	// ListUserDays returns a user's rows with from <= date <= to.
	ListUserDays(ctx context.Context, userID, from, to string) ([]usage.DailyUserUsage, error)
}

// QuotaStore persists quota rows, period history and bonus grants.
type QuotaStore interface {
	// Get returns a user's quota. Returns quota.ErrUserNotFound if absent.
	Get(ctx context.Context, userID string) (quota.UserQuota, error)

	// ApplyUsage increments the open period, creating the row from defaults
	// on first use, and recomputes status.
	ApplyUsage(ctx context.Context, d usage.UserDelta, defaults quota.Defaults, now time.Time) (quota.UserQuota, error)

	// GrantBonus appends the record and adds its amount to the bonus
	// balance in one step. Returns quota.ErrUserNotFound if absent.
	GrantBonus(ctx context.Context, rec quota.BonusRecord) (quota.UserQuota, error)

	// UpdateConfig sets the quota switch and ceiling.
	// Returns quota.ErrUserNotFound if absent.
	UpdateConfig(ctx context.Context, userID string, enabled bool, limitMicros int64, now time.Time) (quota.UserQuota, error)

	// Rollover archives and resets the user's period if it ended before
	// now. The archive and the reset happen atomically. ok is false when
	// the period was still open.
	Rollover(ctx context.Context, userID string, models quota.ModelTotals, now time.Time) (h quota.History, ok bool, err error)

	// ListExpired returns users whose period ended before now.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)

	// ListExceeded returns quotas flagged as exceeded.
	ListExceeded(ctx context.Context) ([]quota.UserQuota, error)

	// ListHistory returns a user's closed periods, newest first.
	ListHistory(ctx context.Context, userID string, limit int) ([]quota.History, error)

	// ListBonuses returns a user's bonus grants, newest first.
	ListBonuses(ctx context.Context, userID string) ([]quota.BonusRecord, error)
}

// -----------------------------------------------------------------------------
// Pipeline Ports
// -----------------------------------------------------------------------------

// EventSink accepts usage events from the inbound feed.
type EventSink interface {
	// Add buffers one event. It may flush synchronously when the buffer
	// reaches its threshold.
	Add(ctx context.Context, e usage.Event) error
}

// PipelineMetrics receives measurements from the buffer and settlement.
// Implementations must be safe for concurrent use.
type PipelineMetrics interface {
	// BufferSize reports the number of events waiting in the buffer.
	BufferSize(n int)
	// EventReceived counts one inbound event by result (accepted, dropped).
	EventReceived(result string)
	// Flushed records one flush attempt.
	Flushed(trigger, result string, events int)
	// BatchSettled records one batch settlement attempt.
	BatchSettled(result string, d time.Duration)
	// Cost adds settled cost for a model.
	Cost(model string, micros int64)
	// UnknownPricing counts a batch rejected for a model without pricing.
	UnknownPricing(model string)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) BufferSize(int)                     {}
func (NopMetrics) EventReceived(string)               {}
func (NopMetrics) Flushed(string, string, int)        {}
func (NopMetrics) BatchSettled(string, time.Duration) {}
func (NopMetrics) Cost(string, int64)                 {}
func (NopMetrics) UnknownPricing(string)              {}
