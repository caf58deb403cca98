package usage

import (
	"fmt"
	"time"
)

// BatchState is the settlement state of a raw batch.
type BatchState string

const (
	BatchPending    BatchState = "pending"
	BatchProcessing BatchState = "processing"
	BatchProcessed  BatchState = "processed"
)

// RawBatch is one flush of the event buffer, persisted as a write-ahead log
// entry until settlement folds it into the rollups.
type RawBatch struct {
	ID          string
	Date        string
	Events      []Event
	EventCount  int
	State       BatchState
	CreatedAt   time.Time
	ClaimedAt   time.Time
	ProcessedAt time.Time
}

// Processed reports whether settlement has completed for the batch.
func (b RawBatch) Processed() bool {
	return b.State == BatchProcessed
}

// NewBatch packages events into a pending batch.
// This is a PURE function.
func NewBatch(id string, events []Event, now time.Time) RawBatch {
	return RawBatch{
		ID:         id,
		Date:       DateOf(now),
		Events:     events,
		EventCount: len(events),
		State:      BatchPending,
		CreatedAt:  now.UTC(),
	}
}

// BatchID formats a batch id as {date}_{epochMillis}_{suffix}.
// The suffix is truncated to 8 characters.
func BatchID(now time.Time, suffix string) string {
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s_%d_%s", DateOf(now), now.UnixMilli(), suffix)
}
