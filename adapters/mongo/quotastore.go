package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenledger/domain/quota"
	"github.com/artpar/tokenledger/domain/usage"
	"github.com/artpar/tokenledger/ports"
	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// QuotaStore implements ports.QuotaStore using MongoDB.
type QuotaStore struct {
	db      *DB
	quotas  *driver.Collection
	history *driver.Collection
	bonuses *driver.Collection
}

// NewQuotaStore creates a new MongoDB quota store.
func NewQuotaStore(db *DB) *QuotaStore {
	return &QuotaStore{
		db:      db,
		quotas:  db.coll(collQuotas),
		history: db.coll(collHistory),
		bonuses: db.coll(collBonuses),
	}
}

// quotaDoc has the field layout of quota.UserQuota.
type quotaDoc struct {
	UserID string `bson:"_id"`

	LifetimeInputTokens  int64 `bson:"lifetimeInputTokens"`
	LifetimeOutputTokens int64 `bson:"lifetimeOutputTokens"`
	LifetimeTokens       int64 `bson:"lifetimeTokens"`
	LifetimeRequests     int64 `bson:"lifetimeRequests"`
	LifetimeCostMicros   int64 `bson:"lifetimeCostMicros"`

	PeriodYear         int       `bson:"periodYear"`
	PeriodMonth        int       `bson:"periodMonth"`
	PeriodStart        time.Time `bson:"periodStart"`
	PeriodEnd          time.Time `bson:"periodEnd"`
	PeriodInputTokens  int64     `bson:"periodInputTokens"`
	PeriodOutputTokens int64     `bson:"periodOutputTokens"`
	PeriodTokens       int64     `bson:"periodTokens"`
	PeriodRequests     int64     `bson:"periodRequests"`
	PeriodCostMicros   int64     `bson:"periodCostMicros"`

	QuotaEnabled    bool  `bson:"quotaEnabled"`
	CostLimitMicros int64 `bson:"costLimitMicros"`

	BonusMicros    int64     `bson:"bonusMicros"`
	BonusReason    string    `bson:"bonusReason,omitempty"`
	BonusGrantedAt time.Time `bson:"bonusGrantedAt,omitempty"`

	UsagePercent float64 `bson:"usagePercent"`
	Exceeded     bool    `bson:"exceeded"`

	FirstSeenAt  time.Time `bson:"firstSeenAt"`
	LastActiveAt time.Time `bson:"lastActiveAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

type historyDoc struct {
	ID                string           `bson:"_id"`
	UserID            string           `bson:"userId"`
	Year              int              `bson:"periodYear"`
	Month             int              `bson:"periodMonth"`
	PeriodStart       time.Time        `bson:"periodStart"`
	PeriodEnd         time.Time        `bson:"periodEnd"`
	InputTokens       int64            `bson:"inputTokens"`
	OutputTokens      int64            `bson:"outputTokens"`
	Tokens            int64            `bson:"totalTokens"`
	Requests          int64            `bson:"requestCount"`
	CostMicros        int64            `bson:"costMicros"`
	CostLimitMicros   int64            `bson:"costLimitMicros"`
	BonusMicros       int64            `bson:"bonusMicros"`
	QuotaEnabled      bool             `bson:"quotaEnabled"`
	FinalUsagePercent float64          `bson:"finalUsagePercent"`
	Exceeded          bool             `bson:"exceeded"`
	ModelTokens       map[string]int64 `bson:"modelTokens"`
	ModelCosts        map[string]int64 `bson:"modelCostMicros"`
	ArchivedAt        time.Time        `bson:"archivedAt"`
}

// bonusDoc has the field layout of quota.BonusRecord.
type bonusDoc struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"userId"`
	PeriodYear   int       `bson:"periodYear"`
	PeriodMonth  int       `bson:"periodMonth"`
	AmountMicros int64     `bson:"amountMicros"`
	Reason       string    `bson:"reason"`
	GrantedBy    string    `bson:"grantedBy"`
	GrantedAt    time.Time `bson:"grantedAt"`
}

// HistoryID is the document id of a closed period.
func HistoryID(userID string, year, month int) string {
	return fmt.Sprintf("%s_%04d_%02d", userID, year, month)
}

func toHistoryDoc(h quota.History) historyDoc {
	return historyDoc{
		ID:                HistoryID(h.UserID, h.Year, h.Month),
		UserID:            h.UserID,
		Year:              h.Year,
		Month:             h.Month,
		PeriodStart:       h.PeriodStart,
		PeriodEnd:         h.PeriodEnd,
		InputTokens:       h.InputTokens,
		OutputTokens:      h.OutputTokens,
		Tokens:            h.Tokens,
		Requests:          h.Requests,
		CostMicros:        h.CostMicros,
		CostLimitMicros:   h.CostLimitMicros,
		BonusMicros:       h.BonusMicros,
		QuotaEnabled:      h.QuotaEnabled,
		FinalUsagePercent: h.FinalUsagePercent,
		Exceeded:          h.Exceeded,
		ModelTokens:       escapeCounts(h.ModelTokens),
		ModelCosts:        escapeCounts(h.ModelCosts),
		ArchivedAt:        h.ArchivedAt,
	}
}

func (doc historyDoc) toDomain() quota.History {
	return quota.History{
		UserID:            doc.UserID,
		Year:              doc.Year,
		Month:             doc.Month,
		PeriodStart:       doc.PeriodStart,
		PeriodEnd:         doc.PeriodEnd,
		InputTokens:       doc.InputTokens,
		OutputTokens:      doc.OutputTokens,
		Tokens:            doc.Tokens,
		Requests:          doc.Requests,
		CostMicros:        doc.CostMicros,
		CostLimitMicros:   doc.CostLimitMicros,
		BonusMicros:       doc.BonusMicros,
		QuotaEnabled:      doc.QuotaEnabled,
		FinalUsagePercent: doc.FinalUsagePercent,
		Exceeded:          doc.Exceeded,
		ModelTokens:       unescapeCounts(doc.ModelTokens),
		ModelCosts:        unescapeCounts(doc.ModelCosts),
		ArchivedAt:        doc.ArchivedAt,
	}
}

var returnAfter = options.FindOneAndUpdate().SetReturnDocument(options.After)

// Get returns a user's quota.
func (s *QuotaStore) Get(ctx context.Context, userID string) (quota.UserQuota, error) {
	var doc quotaDoc
	err := s.quotas.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, driver.ErrNoDocuments) {
		return quota.UserQuota{}, quota.ErrUserNotFound
	}
	if err != nil {
		return quota.UserQuota{}, err
	}
	return quota.UserQuota(doc), nil
}

// ApplyUsage increments the open period with an upsert, then writes the
// recomputed status.
func (s *QuotaStore) ApplyUsage(ctx context.Context, d usage.UserDelta, defaults quota.Defaults, now time.Time) (quota.UserQuota, error) {
	seed := quota.New(d.UserID, defaults, now)
	lastActive := d.LastActiveAt
	if lastActive.IsZero() {
		lastActive = now
	}

	update := bson.M{
		"$setOnInsert": bson.M{
			"lifetimeInputTokens":  int64(0),
			"lifetimeOutputTokens": int64(0),
			"lifetimeTokens":       int64(0),
			"lifetimeRequests":     int64(0),
			"lifetimeCostMicros":   int64(0),
			"periodYear":           seed.PeriodYear,
			"periodMonth":          seed.PeriodMonth,
			"periodStart":          seed.PeriodStart,
			"periodEnd":            seed.PeriodEnd,
			"quotaEnabled":         seed.QuotaEnabled,
			"costLimitMicros":      seed.CostLimitMicros,
			"bonusMicros":          int64(0),
			"firstSeenAt":          seed.FirstSeenAt,
		},
		"$inc": bson.M{
			"periodInputTokens":  d.InputTokens,
			"periodOutputTokens": d.OutputTokens,
			"periodTokens":       d.TotalTokens,
			"periodRequests":     d.Requests,
			"periodCostMicros":   d.CostMicros,
		},
		"$max": bson.M{"lastActiveAt": lastActive.UTC()},
		"$set": bson.M{"updatedAt": now.UTC()},
	}

	var doc quotaDoc
	err := s.quotas.FindOneAndUpdate(ctx, bson.M{"_id": d.UserID}, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		return quota.UserQuota{}, fmt.Errorf("upsert quota: %w", err)
	}
	return s.writeStatus(ctx, quota.UserQuota(doc))
}

// writeStatus stores the recomputed status of q. The write is conditional
// on the inputs still matching; when they changed, the later writer stores
// the newer status.
func (s *QuotaStore) writeStatus(ctx context.Context, q quota.UserQuota) (quota.UserQuota, error) {
	q = quota.Recompute(q)
	_, err := s.quotas.UpdateOne(ctx,
		bson.M{
			"_id":              q.UserID,
			"periodCostMicros": q.PeriodCostMicros,
			"costLimitMicros":  q.CostLimitMicros,
			"bonusMicros":      q.BonusMicros,
		},
		bson.M{"$set": bson.M{"usagePercent": q.UsagePercent, "exceeded": q.Exceeded}},
	)
	if err != nil {
		return quota.UserQuota{}, fmt.Errorf("write status: %w", err)
	}
	return q, nil
}

// GrantBonus appends the record and adds its amount to the bonus balance in
// one transaction.
func (s *QuotaStore) GrantBonus(ctx context.Context, rec quota.BonusRecord) (quota.UserQuota, error) {
	var out quota.UserQuota
	err := s.db.WithinTx(ctx, func(ctx context.Context) error {
		var doc quotaDoc
		err := s.quotas.FindOneAndUpdate(ctx, bson.M{"_id": rec.UserID}, bson.M{
			"$inc": bson.M{"bonusMicros": rec.AmountMicros},
			"$set": bson.M{
				"bonusReason":    rec.Reason,
				"bonusGrantedAt": rec.GrantedAt.UTC(),
				"updatedAt":      rec.GrantedAt.UTC(),
			},
		}, returnAfter).Decode(&doc)
		if errors.Is(err, driver.ErrNoDocuments) {
			return quota.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("add bonus: %w", err)
		}

		if _, err := s.bonuses.InsertOne(ctx, bonusDoc(rec)); err != nil {
			return fmt.Errorf("insert bonus record: %w", err)
		}

		out, err = s.writeStatus(ctx, quota.UserQuota(doc))
		return err
	})
	return out, err
}

// UpdateConfig sets the quota switch and ceiling.
func (s *QuotaStore) UpdateConfig(ctx context.Context, userID string, enabled bool, limitMicros int64, now time.Time) (quota.UserQuota, error) {
	if limitMicros < 0 {
		return quota.UserQuota{}, quota.ErrInvalidLimit
	}
	var doc quotaDoc
	err := s.quotas.FindOneAndUpdate(ctx, bson.M{"_id": userID}, bson.M{
		"$set": bson.M{
			"quotaEnabled":    enabled,
			"costLimitMicros": limitMicros,
			"updatedAt":       now.UTC(),
		},
	}, returnAfter).Decode(&doc)
	if errors.Is(err, driver.ErrNoDocuments) {
		return quota.UserQuota{}, quota.ErrUserNotFound
	}
	if err != nil {
		return quota.UserQuota{}, fmt.Errorf("update config: %w", err)
	}
	return s.writeStatus(ctx, quota.UserQuota(doc))
}

// Rollover archives and resets the user's period if it has ended. The
// archive insert and the reset share one transaction; an archive that
// already exists is kept.
func (s *QuotaStore) Rollover(ctx context.Context, userID string, models quota.ModelTotals, now time.Time) (quota.History, bool, error) {
	var h quota.History
	var rolled bool
	err := s.db.WithinTx(ctx, func(ctx context.Context) error {
		h, rolled = quota.History{}, false

		q, err := s.Get(ctx, userID)
		if err != nil {
			return err
		}
		if !quota.NeedsRollover(q, now) {
			return nil
		}

		var next quota.UserQuota
		next, h = quota.Rollover(q, models, now)

		if _, err := s.history.InsertOne(ctx, toHistoryDoc(h)); err != nil && !driver.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert history: %w", err)
		}
		res, err := s.quotas.ReplaceOne(ctx,
			bson.M{"_id": userID, "periodYear": q.PeriodYear, "periodMonth": q.PeriodMonth},
			quotaDoc(next))
		if err != nil {
			return fmt.Errorf("reset period: %w", err)
		}
		rolled = res.MatchedCount == 1
		return nil
	})
	return h, rolled, err
}

// ListExpired returns users whose period ended before now.
func (s *QuotaStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	cur, err := s.quotas.Find(ctx,
		bson.M{"periodEnd": bson.M{"$lt": now.UTC()}},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// ListExceeded returns quotas flagged as exceeded, highest usage first.
func (s *QuotaStore) ListExceeded(ctx context.Context) ([]quota.UserQuota, error) {
	cur, err := s.quotas.Find(ctx, bson.M{"exceeded": true},
		options.Find().SetSort(bson.D{{Key: "usagePercent", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var docs []quotaDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]quota.UserQuota, len(docs))
	for i, d := range docs {
		out[i] = quota.UserQuota(d)
	}
	return out, nil
}

// ListHistory returns a user's closed periods, newest first.
func (s *QuotaStore) ListHistory(ctx context.Context, userID string, limit int) ([]quota.History, error) {
	opts := options.Find().SetSort(bson.D{{Key: "periodYear", Value: -1}, {Key: "periodMonth", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.history.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []historyDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]quota.History, len(docs))
	for i, d := range docs {
		out[i] = d.toDomain()
	}
	return out, nil
}

// ListBonuses returns a user's bonus grants, newest first.
func (s *QuotaStore) ListBonuses(ctx context.Context, userID string) ([]quota.BonusRecord, error) {
	cur, err := s.bonuses.Find(ctx, bson.M{"userId": userID},
		options.Find().SetSort(bson.D{{Key: "grantedAt", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var docs []bonusDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]quota.BonusRecord, len(docs))
	for i, d := range docs {
		out[i] = quota.BonusRecord(d)
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.QuotaStore = (*QuotaStore)(nil)
