package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"github.com/klauspost/compress/zstd"
	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// BatchStore implements ports.BatchStore using MongoDB.
// Events are stored as a zstd-compressed JSON payload.
type BatchStore struct {
	coll *driver.Collection
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// NewBatchStore creates a new MongoDB batch store.
func NewBatchStore(db *DB) (*BatchStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &BatchStore{coll: db.coll(collBatches), enc: enc, dec: dec}, nil
}

type batchDoc struct {
	ID          string    `bson:"_id"`
	Date        string    `bson:"date"`
	EventCount  int       `bson:"eventCount"`
	Payload     []byte    `bson:"payload"`
	State       string    `bson:"state"`
	CreatedAt   time.Time `bson:"createdAt"`
	ClaimedAt   time.Time `bson:"claimedAt,omitempty"`
	ProcessedAt time.Time `bson:"processedAt,omitempty"`
}

// Insert stores a new pending batch.
func (s *BatchStore) Insert(ctx context.Context, b usage.RawBatch) error {
	raw, err := json.Marshal(b.Events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	doc := batchDoc{
		ID:         b.ID,
		Date:       b.Date,
		EventCount: b.EventCount,
		Payload:    s.enc.EncodeAll(raw, nil),
		State:      string(usage.BatchPending),
		CreatedAt:  b.CreatedAt.UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

// Get returns one batch with its events.
func (s *BatchStore) Get(ctx context.Context, id string) (usage.RawBatch, error) {
	var doc batchDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, driver.ErrNoDocuments) {
		return usage.RawBatch{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.RawBatch{}, err
	}
	return s.toBatch(doc)
}

// ListPending returns pending batches, oldest first.
func (s *BatchStore) ListPending(ctx context.Context, limit int) ([]usage.RawBatch, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"state": string(usage.BatchPending)}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var batches []usage.RawBatch
	var corrupt []error
	for cur.Next(ctx) {
		var doc batchDoc
		if err := cur.Decode(&doc); err != nil {
			id, _ := cur.Current.Lookup("_id").StringValueOK()
			corrupt = append(corrupt, &ports.CorruptBatchError{ID: id, Err: err})
			continue
		}
		b, err := s.toBatch(doc)
		if err != nil {
			corrupt = append(corrupt, err)
			continue
		}
		batches = append(batches, b)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return batches, errors.Join(corrupt...)
}

// Claim moves a batch from pending to processing.
func (s *BatchStore) Claim(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, usage.BatchPending, bson.M{
		"$set": bson.M{"state": string(usage.BatchProcessing), "claimedAt": at.UTC()},
	})
}

// MarkProcessed moves a claimed batch to processed.
func (s *BatchStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, usage.BatchProcessing, bson.M{
		"$set": bson.M{"state": string(usage.BatchProcessed), "processedAt": at.UTC()},
	})
}

// Release returns a claimed batch to pending.
func (s *BatchStore) Release(ctx context.Context, id string) error {
	return s.transition(ctx, id, usage.BatchProcessing, bson.M{
		"$set":   bson.M{"state": string(usage.BatchPending)},
		"$unset": bson.M{"claimedAt": ""},
	})
}

// ReleaseStale returns batches claimed before the cutoff to pending.
func (s *BatchStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"state": string(usage.BatchProcessing), "claimedAt": bson.M{"$lt": claimedBefore.UTC()}},
		bson.M{"$set": bson.M{"state": string(usage.BatchPending)}, "$unset": bson.M{"claimedAt": ""}},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// Reset returns a processed batch to pending for recompute.
func (s *BatchStore) Reset(ctx context.Context, id string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "state": string(usage.BatchProcessed)},
		bson.M{
			"$set":   bson.M{"state": string(usage.BatchPending)},
			"$unset": bson.M{"claimedAt": "", "processedAt": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// CountByState reports how many batches are in each state.
func (s *BatchStore) CountByState(ctx context.Context) (map[usage.BatchState]int64, error) {
	cur, err := s.coll.Aggregate(ctx, driver.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$state"}, {Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, err
	}
	var groups []struct {
		State string `bson:"_id"`
		N     int64  `bson:"n"`
	}
	if err := cur.All(ctx, &groups); err != nil {
		return nil, err
	}

	counts := make(map[usage.BatchState]int64, len(groups))
	for _, g := range groups {
		counts[usage.BatchState(g.State)] = g.N
	}
	return counts, nil
}

func (s *BatchStore) transition(ctx context.Context, id string, from usage.BatchState, update bson.M) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "state": string(from)}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ports.ErrBatchNotClaimed
	}
	return nil
}

func (s *BatchStore) toBatch(doc batchDoc) (usage.RawBatch, error) {
	b := usage.RawBatch{
		ID:          doc.ID,
		Date:        doc.Date,
		EventCount:  doc.EventCount,
		State:       usage.BatchState(doc.State),
		CreatedAt:   doc.CreatedAt,
		ClaimedAt:   doc.ClaimedAt,
		ProcessedAt: doc.ProcessedAt,
	}
	raw, err := s.dec.DecodeAll(doc.Payload, nil)
	if err != nil {
		return usage.RawBatch{}, &ports.CorruptBatchError{ID: doc.ID, Err: fmt.Errorf("decompress: %w", err)}
	}
	if err := json.Unmarshal(raw, &b.Events); err != nil {
		return usage.RawBatch{}, &ports.CorruptBatchError{ID: doc.ID, Err: fmt.Errorf("decode: %w", err)}
	}
	return b, nil
}

// Ensure interface compliance.
var _ ports.BatchStore = (*BatchStore)(nil)
