package mongo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/tokenledger/domain/digest"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RollupStore implements ports.RollupStore using MongoDB.
// Each delta becomes one upsert: counters and map entries use $inc, the
// latency digest and other derived fields use $set, and distinct users are
// collected with $addToSet.
type RollupStore struct {
	db *DB
}

// NewRollupStore creates a new MongoDB rollup store.
func NewRollupStore(db *DB) *RollupStore {
	return &RollupStore{db: db}
}

type countersDoc struct {
	InputTokens         int64 `bson:"totalInputTokens"`
	OutputTokens        int64 `bson:"totalOutputTokens"`
	CacheCreationTokens int64 `bson:"totalCacheCreationTokens"`
	CacheReadTokens     int64 `bson:"totalCacheReadTokens"`
	TotalTokens         int64 `bson:"totalTokens"`
	Requests            int64 `bson:"requestCount"`
	Successes           int64 `bson:"successCount"`
	Errors              int64 `bson:"errorCount"`
	LatencyMs           int64 `bson:"totalLatencyMs"`
	CostMicros          int64 `bson:"costMicros"`
}

func (c countersDoc) counters() usage.Counters {
	return usage.Counters(c)
}

func incCounters(inc bson.M, c usage.Counters) {
	inc["totalInputTokens"] = c.InputTokens
	inc["totalOutputTokens"] = c.OutputTokens
	inc["totalCacheCreationTokens"] = c.CacheCreationTokens
	inc["totalCacheReadTokens"] = c.CacheReadTokens
	inc["totalTokens"] = c.TotalTokens
	inc["requestCount"] = c.Requests
	inc["successCount"] = c.Successes
	inc["errorCount"] = c.Errors
	inc["totalLatencyMs"] = c.LatencyMs
	inc["costMicros"] = c.CostMicros
}

type cacheDoc struct {
	HitRate         float64 `bson:"hitRate"`
	CacheReadTokens int64   `bson:"cacheReadTokens"`
	SavedMicros     int64   `bson:"savedMicros"`
}

type costDoc struct {
	Input      int64 `bson:"inputMicros"`
	Output     int64 `bson:"outputMicros"`
	CacheRead  int64 `bson:"cacheReadMicros"`
	CacheWrite int64 `bson:"cacheWriteMicros"`
}

type hourDoc struct {
	Requests   int64 `bson:"requestCount"`
	Tokens     int64 `bson:"totalTokens"`
	CostMicros int64 `bson:"costMicros"`
}

type modelDoc struct {
	InputTokens     int64 `bson:"inputTokens"`
	OutputTokens    int64 `bson:"outputTokens"`
	CacheReadTokens int64 `bson:"cacheReadTokens"`
	Requests        int64 `bson:"requestCount"`
	Successes       int64 `bson:"successCount"`
	Errors          int64 `bson:"errorCount"`
	CostMicros      int64 `bson:"costMicros"`
}

type topDoc struct {
	Key        string `bson:"key"`
	Requests   int64  `bson:"requestCount"`
	Tokens     int64  `bson:"totalTokens"`
	CostMicros int64  `bson:"costMicros"`
}

type userDayDoc struct {
	ID               string              `bson:"_id"`
	Date             string              `bson:"date"`
	UserID           string              `bson:"userId"`
	Counters         countersDoc         `bson:",inline"`
	Cost             costDoc             `bson:"costBreakdown"`
	ErrorBreakdown   map[string]int64    `bson:"errorBreakdown"`
	Hourly           map[string]hourDoc  `bson:"hourlyBreakdown"`
	Models           map[string]modelDoc `bson:"modelBreakdown"`
	Latency          digest.Stats        `bson:"latencyStats"`
	Digest           []byte              `bson:"latencyDigest"`
	Cache            cacheDoc            `bson:"cacheEfficiency"`
	PeakHour         int                 `bson:"peakHour"`
	PeakHourRequests int64               `bson:"peakHourRequests"`
	CreatedAt        time.Time           `bson:"createdAt"`
	UpdatedAt        time.Time           `bson:"lastUpdatedAt"`
}

type modelDayDoc struct {
	ID               string           `bson:"_id"`
	Date             string           `bson:"date"`
	Model            string           `bson:"model"`
	Counters         countersDoc      `bson:",inline"`
	Users            []string         `bson:"users"`
	ErrorBreakdown   map[string]int64 `bson:"errorBreakdown"`
	HourlyRequests   map[string]int64 `bson:"hourlyRequestCount"`
	Latency          digest.Stats     `bson:"latencyStats"`
	Digest           []byte           `bson:"latencyDigest"`
	Cache            cacheDoc         `bson:"cacheEfficiency"`
	PeakHour         int              `bson:"peakHour"`
	PeakHourRequests int64            `bson:"peakHourRequests"`
	CreatedAt        time.Time        `bson:"createdAt"`
	UpdatedAt        time.Time        `bson:"lastUpdatedAt"`
}

type systemDayDoc struct {
	ID               string           `bson:"_id"`
	Date             string           `bson:"date"`
	Counters         countersDoc      `bson:",inline"`
	Users            []string         `bson:"users"`
	SuccessRate      float64          `bson:"successRate"`
	AvgLatencyMs     float64          `bson:"avgLatencyMs"`
	Latency          digest.Stats     `bson:"latencyStats"`
	Digest           []byte           `bson:"latencyDigest"`
	CacheHitRate     float64          `bson:"systemCacheHitRate"`
	CacheSavedMicros int64            `bson:"systemCacheSavedMicros"`
	HourlyRequests   map[string]int64 `bson:"hourlyRequestCount"`
	PeakHour         int              `bson:"peakHour"`
	PeakHourRequests int64            `bson:"peakHourRequests"`
	TopModels        []topDoc         `bson:"topModels"`
	TopUsers         []topDoc         `bson:"topUsers"`
	CreatedAt        time.Time        `bson:"createdAt"`
	UpdatedAt        time.Time        `bson:"lastUpdatedAt"`
}

func cacheOf(c usage.CacheEfficiency) cacheDoc {
	return cacheDoc{HitRate: c.HitRate, CacheReadTokens: c.CacheReadTokens, SavedMicros: c.SavedMicros}
}

func topDocs(items []usage.TopItem) []topDoc {
	out := make([]topDoc, len(items))
	for i, it := range items {
		out[i] = topDoc(it)
	}
	return out
}

func topItems(docs []topDoc) []usage.TopItem {
	out := make([]usage.TopItem, len(docs))
	for i, d := range docs {
		out[i] = usage.TopItem(d)
	}
	return out
}

// Apply folds a batch rollup into the three daily collections. Each
// collection receives one unordered bulk write.
func (s *RollupStore) Apply(ctx context.Context, r usage.Rollup, now time.Time) error {
	now = now.UTC()

	userModels := make([]driver.WriteModel, 0, len(r.UserDays))
	for _, d := range r.UserDays {
		userModels = append(userModels, upsert(usage.UserDayID(d.Date, d.UserID), userDayUpdate(d, now)))
	}
	modelModels := make([]driver.WriteModel, 0, len(r.ModelDays))
	for _, d := range r.ModelDays {
		modelModels = append(modelModels, upsert(usage.ModelDayID(d.Date, d.Model), modelDayUpdate(d, now)))
	}
	systemModels := make([]driver.WriteModel, 0, len(r.SystemDays))
	for _, d := range r.SystemDays {
		systemModels = append(systemModels, upsert(d.Date, systemDayUpdate(d, now)))
	}

	for _, w := range []struct {
		coll   string
		models []driver.WriteModel
	}{
		{collUserDays, userModels},
		{collModelDays, modelModels},
		{collSystem, systemModels},
	} {
		if len(w.models) == 0 {
			continue
		}
		if _, err := s.db.coll(w.coll).BulkWrite(ctx, w.models, options.BulkWrite().SetOrdered(false)); err != nil {
			return fmt.Errorf("apply %s: %w", w.coll, err)
		}
	}
	return nil
}

func upsert(id string, update bson.M) driver.WriteModel {
	return driver.NewUpdateOneModel().
		SetFilter(bson.M{"_id": id}).
		SetUpdate(update).
		SetUpsert(true)
}

func userDayUpdate(d usage.UserDayDelta, now time.Time) bson.M {
	inc := bson.M{
		"costBreakdown.inputMicros":      d.Cost.Input,
		"costBreakdown.outputMicros":     d.Cost.Output,
		"costBreakdown.cacheReadMicros":  d.Cost.CacheRead,
		"costBreakdown.cacheWriteMicros": d.Cost.CacheWrite,
	}
	incCounters(inc, d.Counters)
	for h, b := range d.Hourly {
		p := "hourlyBreakdown." + strconv.Itoa(h) + "."
		inc[p+"requestCount"] = b.Requests
		inc[p+"totalTokens"] = b.Tokens
		inc[p+"costMicros"] = b.CostMicros
	}
	for m, b := range d.Models {
		p := "modelBreakdown." + escapeKey(m) + "."
		inc[p+"inputTokens"] = b.InputTokens
		inc[p+"outputTokens"] = b.OutputTokens
		inc[p+"cacheReadTokens"] = b.CacheReadTokens
		inc[p+"requestCount"] = b.Requests
		inc[p+"successCount"] = b.Successes
		inc[p+"errorCount"] = b.Errors
		inc[p+"costMicros"] = b.CostMicros
	}
	for t, n := range d.ErrorBreakdown {
		inc["errorBreakdown."+escapeKey(t)] = n
	}

	return bson.M{
		"$setOnInsert": bson.M{"date": d.Date, "userId": d.UserID, "createdAt": now},
		"$inc":         inc,
		"$set": bson.M{
			"latencyStats":     d.Latency,
			"latencyDigest":    d.Digest,
			"cacheEfficiency":  cacheOf(d.Cache),
			"peakHour":         d.PeakHour,
			"peakHourRequests": d.PeakHourRequests,
			"lastUpdatedAt":    now,
		},
	}
}

func modelDayUpdate(d usage.ModelDayDelta, now time.Time) bson.M {
	inc := bson.M{}
	incCounters(inc, d.Counters)
	for h, n := range d.HourlyRequests {
		inc["hourlyRequestCount."+strconv.Itoa(h)] = n
	}
	for t, n := range d.ErrorBreakdown {
		inc["errorBreakdown."+escapeKey(t)] = n
	}

	update := bson.M{
		"$setOnInsert": bson.M{"date": d.Date, "model": d.Model, "createdAt": now},
		"$inc":         inc,
		"$set": bson.M{
			"latencyStats":     d.Latency,
			"latencyDigest":    d.Digest,
			"cacheEfficiency":  cacheOf(d.Cache),
			"peakHour":         d.PeakHour,
			"peakHourRequests": d.PeakHourRequests,
			"lastUpdatedAt":    now,
		},
	}
	if len(d.Users) > 0 {
		update["$addToSet"] = bson.M{"users": bson.M{"$each": d.Users}}
	}
	return update
}

func systemDayUpdate(d usage.SystemDayDelta, now time.Time) bson.M {
	inc := bson.M{"systemCacheSavedMicros": d.CacheSavedMicros}
	incCounters(inc, d.Counters)
	for h, n := range d.HourlyRequests {
		inc["hourlyRequestCount."+strconv.Itoa(h)] = n
	}

	update := bson.M{
		"$setOnInsert": bson.M{"date": d.Date, "createdAt": now},
		"$inc":         inc,
		"$set": bson.M{
			"successRate":        d.SuccessRate,
			"avgLatencyMs":       d.AvgLatencyMs,
			"latencyStats":       d.Latency,
			"latencyDigest":      d.Digest,
			"systemCacheHitRate": d.CacheHitRate,
			"peakHour":           d.PeakHour,
			"peakHourRequests":   d.PeakHourRequests,
			"topModels":          topDocs(d.TopModels),
			"topUsers":           topDocs(d.TopUsers),
			"lastUpdatedAt":      now,
		},
	}
	if len(d.Users) > 0 {
		update["$addToSet"] = bson.M{"users": bson.M{"$each": d.Users}}
	}
	return update
}

// Digest returns the persisted latency digest of a row, or nil.
func (s *RollupStore) Digest(ctx context.Context, dim usage.Dimension, date, key string) ([]byte, error) {
	var coll, id string
	switch dim {
	case usage.DimUserDay:
		coll, id = collUserDays, usage.UserDayID(date, key)
	case usage.DimModelDay:
		coll, id = collModelDays, usage.ModelDayID(date, key)
	case usage.DimSystemDay:
		coll, id = collSystem, date
	default:
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}

	var doc struct {
		Digest []byte `bson:"latencyDigest"`
	}
	err := s.db.coll(coll).FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"latencyDigest": 1})).Decode(&doc)
	if errors.Is(err, driver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Digest, nil
}

// GetUserDay returns the (date, user) row.
func (s *RollupStore) GetUserDay(ctx context.Context, date, userID string) (usage.DailyUserUsage, error) {
	var doc userDayDoc
	if err := s.findOne(ctx, collUserDays, usage.UserDayID(date, userID), &doc); err != nil {
		return usage.DailyUserUsage{}, err
	}
	return doc.toDomain(), nil
}

// ListUserDays returns a user's rows with from <= date <= to, oldest first.
func (s *RollupStore) ListUserDays(ctx context.Context, userID, from, to string) ([]usage.DailyUserUsage, error) {
	cur, err := s.db.coll(collUserDays).Find(ctx,
		bson.M{"userId": userID, "date": bson.M{"$gte": from, "$lte": to}},
		options.Find().SetSort(bson.D{{Key: "date", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDayDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]usage.DailyUserUsage, len(docs))
	for i, doc := range docs {
		out[i] = doc.toDomain()
	}
	return out, nil
}

// GetModelDay returns the (date, model) row.
func (s *RollupStore) GetModelDay(ctx context.Context, date, model string) (usage.DailyModelUsage, error) {
	var doc modelDayDoc
	if err := s.findOne(ctx, collModelDays, usage.ModelDayID(date, model), &doc); err != nil {
		return usage.DailyModelUsage{}, err
	}
	return usage.DailyModelUsage{
		Date:             doc.Date,
		Model:            doc.Model,
		Counters:         doc.Counters.counters(),
		UniqueUsers:      int64(len(doc.Users)),
		ErrorBreakdown:   unescapeCounts(doc.ErrorBreakdown),
		HourlyRequests:   hourCounts(doc.HourlyRequests),
		Latency:          doc.Latency,
		Digest:           doc.Digest,
		Cache:            usage.CacheEfficiency(doc.Cache),
		PeakHour:         doc.PeakHour,
		PeakHourRequests: doc.PeakHourRequests,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}, nil
}

// GetSystemDay returns the system row for a date.
func (s *RollupStore) GetSystemDay(ctx context.Context, date string) (usage.SystemDailyStats, error) {
	var doc systemDayDoc
	if err := s.findOne(ctx, collSystem, date, &doc); err != nil {
		return usage.SystemDailyStats{}, err
	}
	return usage.SystemDailyStats{
		Date:             doc.Date,
		Counters:         doc.Counters.counters(),
		UniqueUsers:      int64(len(doc.Users)),
		SuccessRate:      doc.SuccessRate,
		AvgLatencyMs:     doc.AvgLatencyMs,
		Latency:          doc.Latency,
		Digest:           doc.Digest,
		CacheHitRate:     doc.CacheHitRate,
		CacheSavedMicros: doc.CacheSavedMicros,
		HourlyRequests:   hourCounts(doc.HourlyRequests),
		PeakHour:         doc.PeakHour,
		PeakHourRequests: doc.PeakHourRequests,
		TopModels:        topItems(doc.TopModels),
		TopUsers:         topItems(doc.TopUsers),
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}, nil
}

func (s *RollupStore) findOne(ctx context.Context, coll, id string, out any) error {
	err := s.db.coll(coll).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if errors.Is(err, driver.ErrNoDocuments) {
		return ports.ErrNotFound
	}
	return err
}

func (doc userDayDoc) toDomain() usage.DailyUserUsage {
	u := usage.DailyUserUsage{
		Date:             doc.Date,
		UserID:           doc.UserID,
		Counters:         doc.Counters.counters(),
		Cost:             usage.CostBreakdown(doc.Cost),
		ErrorBreakdown:   unescapeCounts(doc.ErrorBreakdown),
		Hourly:           make(map[int]usage.HourBucket, len(doc.Hourly)),
		Models:           make(map[string]usage.ModelBucket, len(doc.Models)),
		Latency:          doc.Latency,
		Digest:           doc.Digest,
		Cache:            usage.CacheEfficiency(doc.Cache),
		PeakHour:         doc.PeakHour,
		PeakHourRequests: doc.PeakHourRequests,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
	for k, b := range doc.Hourly {
		if h, err := strconv.Atoi(k); err == nil {
			u.Hourly[h] = usage.HourBucket(b)
		}
	}
	for k, b := range doc.Models {
		u.Models[unescapeKey(k)] = usage.ModelBucket(b)
	}
	return u
}

func hourCounts(m map[string]int64) map[int]int64 {
	out := make(map[int]int64, len(m))
	for k, n := range m {
		if h, err := strconv.Atoi(k); err == nil {
			out[h] = n
		}
	}
	return out
}

// Ensure interface compliance.
var _ ports.RollupStore = (*RollupStore)(nil)
