// Package mongo provides MongoDB implementations of storage ports.
//
// Rollup rows are single documents; breakdown maps are embedded
// sub-documents incremented with dotted $inc paths. Multi-document quota
// mutations run in transactions, which need a replica set.
package mongo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/tokenledger/ports"
	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names.
const (
	collBatches   = "raw_batches"
	collUserDays  = "daily_user_usage"
	collModelDays = "daily_model_usage"
	collSystem    = "system_daily_stats"
	collQuotas    = "user_quotas"
	collHistory   = "quota_history"
	collBonuses   = "bonus_records"
)

// DB wraps a MongoDB client and the ledger database.
type DB struct {
	client *driver.Client
	db     *driver.Database
}

// Connect dials uri and verifies the primary is reachable.
func Connect(ctx context.Context, uri, database string) (*DB, error) {
	client, err := driver.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetAppName("tokenledger").
		SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &DB{client: client, db: client.Database(database)}, nil
}

// EnsureIndexes creates the secondary indexes the stores query by.
func (d *DB) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]driver.IndexModel{
		collBatches: {
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "createdAt", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "claimedAt", Value: 1}}},
		},
		collUserDays: {
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "date", Value: 1}}},
		},
		collModelDays: {
			{Keys: bson.D{{Key: "model", Value: 1}, {Key: "date", Value: 1}}},
		},
		collQuotas: {
			{Keys: bson.D{{Key: "periodEnd", Value: 1}}},
			{Keys: bson.D{{Key: "exceeded", Value: 1}, {Key: "usagePercent", Value: -1}}},
		},
		collHistory: {
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "periodYear", Value: -1}, {Key: "periodMonth", Value: -1}}},
		},
		collBonuses: {
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "grantedAt", Value: -1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := d.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// HealthCheck pings the primary.
func (d *DB) HealthCheck(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (d *DB) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Drop removes the database. Used by tests.
func (d *DB) Drop(ctx context.Context) error {
	return d.db.Drop(ctx)
}

func (d *DB) coll(name string) *driver.Collection {
	return d.db.Collection(name)
}

// WithinTx runs fn inside a session transaction. Collection calls made
// with the context passed to fn belong to it, and a call already inside a
// session joins that one. fn may be retried on transient errors such as
// write conflicts, so it must not keep state across attempts.
func (d *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if driver.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	sess, err := d.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc driver.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

var _ ports.Transactor = (*DB)(nil)

// Field names may not contain '.' or start with '$', and model names often
// contain dots. Keys are percent-escaped on write and restored on read.
var (
	keyEscaper   = strings.NewReplacer("%", "%25", ".", "%2E", "$", "%24")
	keyUnescaper = strings.NewReplacer("%2E", ".", "%24", "$", "%25", "%")
)

func escapeKey(k string) string   { return keyEscaper.Replace(k) }
func unescapeKey(k string) string { return keyUnescaper.Replace(k) }

func escapeCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[escapeKey(k)] = v
	}
	return out
}

func unescapeCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[unescapeKey(k)] = v
	}
	return out
}
