package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"github.com/klauspost/compress/zstd"
)

// BatchStore implements ports.BatchStore using SQLite.
// Events are stored as zstd-compressed JSON.
type BatchStore struct {
	db  *DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewBatchStore creates a new SQLite batch store.
func NewBatchStore(db *DB) (*BatchStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &BatchStore{db: db, enc: enc, dec: dec}, nil
}

// Insert stores a new pending batch.
func (s *BatchStore) Insert(ctx context.Context, b usage.RawBatch) error {
	raw, err := json.Marshal(b.Events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	payload := s.enc.EncodeAll(raw, nil)

	_, err = s.db.conn(ctx).ExecContext(ctx, `
		INSERT INTO raw_batches (id, batch_date, event_count, payload, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID, b.Date, b.EventCount, payload, string(usage.BatchPending), b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

const batchColumns = `id, batch_date, event_count, payload, state, created_at, claimed_at, processed_at`

// Get returns one batch with its events.
func (s *BatchStore) Get(ctx context.Context, id string) (usage.RawBatch, error) {
	row := s.db.conn(ctx).QueryRowContext(ctx, `SELECT `+batchColumns+` FROM raw_batches WHERE id = ?`, id)
	b, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.RawBatch{}, ports.ErrNotFound
	}
	return b, err
}

// ListPending returns pending batches, oldest first.
func (s *BatchStore) ListPending(ctx context.Context, limit int) ([]usage.RawBatch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.conn(ctx).QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM raw_batches
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(usage.BatchPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []usage.RawBatch
	var corrupt []error
	for rows.Next() {
		b, err := s.scan(rows)
		var bad *ports.CorruptBatchError
		if errors.As(err, &bad) {
			corrupt = append(corrupt, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, errors.Join(corrupt...)
}

// Claim moves a batch from pending to processing.
func (s *BatchStore) Claim(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, `
		UPDATE raw_batches SET state = 'processing', claimed_at = ?
		WHERE id = ? AND state = 'pending'
	`, at.UTC(), id)
}

// MarkProcessed moves a claimed batch to processed.
func (s *BatchStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, `
		UPDATE raw_batches SET state = 'processed', processed_at = ?
		WHERE id = ? AND state = 'processing'
	`, at.UTC(), id)
}

// Release returns a claimed batch to pending.
func (s *BatchStore) Release(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE raw_batches SET state = 'pending', claimed_at = NULL
		WHERE id = ? AND state = 'processing'
	`, id)
}

// ReleaseStale returns batches claimed before the cutoff to pending.
func (s *BatchStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	result, err := s.db.conn(ctx).ExecContext(ctx, `
		UPDATE raw_batches SET state = 'pending', claimed_at = NULL
		WHERE state = 'processing' AND claimed_at < ?
	`, claimedBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Reset returns a processed batch to pending for recompute.
func (s *BatchStore) Reset(ctx context.Context, id string) error {
	result, err := s.db.conn(ctx).ExecContext(ctx, `
		UPDATE raw_batches SET state = 'pending', claimed_at = NULL, processed_at = NULL
		WHERE id = ? AND state = 'processed'
	`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// CountByState reports how many batches are in each state.
func (s *BatchStore) CountByState(ctx context.Context) (map[usage.BatchState]int64, error) {
	rows, err := s.db.conn(ctx).QueryContext(ctx, `SELECT state, COUNT(*) FROM raw_batches GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[usage.BatchState]int64{}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[usage.BatchState(state)] = n
	}
	return counts, rows.Err()
}

func (s *BatchStore) transition(ctx context.Context, query string, args ...any) error {
	result, err := s.db.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrBatchNotClaimed
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *BatchStore) scan(row scanner) (usage.RawBatch, error) {
	var b usage.RawBatch
	var payload []byte
	var state string
	var claimedAt, processedAt sql.NullTime

	err := row.Scan(&b.ID, &b.Date, &b.EventCount, &payload, &state, &b.CreatedAt, &claimedAt, &processedAt)
	if err != nil {
		return usage.RawBatch{}, err
	}
	b.State = usage.BatchState(state)
	if claimedAt.Valid {
		b.ClaimedAt = claimedAt.Time
	}
	if processedAt.Valid {
		b.ProcessedAt = processedAt.Time
	}

	raw, err := s.dec.DecodeAll(payload, nil)
	if err != nil {
		return usage.RawBatch{}, &ports.CorruptBatchError{ID: b.ID, Err: fmt.Errorf("decompress: %w", err)}
	}
	if err := json.Unmarshal(raw, &b.Events); err != nil {
		return usage.RawBatch{}, &ports.CorruptBatchError{ID: b.ID, Err: fmt.Errorf("decode: %w", err)}
	}
	return b, nil
}

// Ensure interface compliance.
var _ ports.BatchStore = (*BatchStore)(nil)
