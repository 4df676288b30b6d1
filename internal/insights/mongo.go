package insights

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pulsecrm/internal/database"
	"pulsecrm/internal/metrics"
	"pulsecrm/internal/models"
)

// MongoStore persists one document per (owner, subject) pair in the
// ai_insights collection. The unique (ownerId, subjectId) index gives
// upsert semantics; the per-record lock serializes concurrent appends
// so both sets of insights merge instead of racing past the cap.
type MongoStore struct {
	collection *mongo.Collection
	writes     recordLocks
	metrics    *metrics.Metrics
}

// NewMongoStore creates a store over the shared MongoDB connection. m may be nil.
func NewMongoStore(mongodb *database.MongoDB, m *metrics.Metrics) *MongoStore {
	return &MongoStore{
		collection: mongodb.Collection(database.CollectionInsights),
		metrics:    m,
	}
}

// Append merges insights into the record for (ownerID, subjectID)
func (s *MongoStore) Append(ctx context.Context, ownerID, subjectID string, incoming []models.Insight) (*models.InsightRecord, error) {
	key := recordKey(ownerID, subjectID)
	mu := s.writes.lock(key)
	mu.Lock()
	defer mu.Unlock()

	// One retry absorbs the duplicate-key race when two instances
	// create the same record concurrently.
	record, err := s.appendOnce(ctx, ownerID, subjectID, incoming)
	if mongo.IsDuplicateKeyError(err) {
		record, err = s.appendOnce(ctx, ownerID, subjectID, incoming)
	}
	return record, err
}

func (s *MongoStore) appendOnce(ctx context.Context, ownerID, subjectID string, incoming []models.Insight) (*models.InsightRecord, error) {
	filter := bson.M{"ownerId": ownerID, "subjectId": subjectID}

	var existing models.InsightRecord
	err := s.collection.FindOne(ctx, filter).Decode(&existing)
	if err != nil && err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("failed to load insight record: %w", err)
	}

	normalized := normalize(existing.Insights, incoming)
	merged, evicted := merge(existing.Insights, normalized)
	now := time.Now()

	update := bson.M{
		"$set": bson.M{
			"insights":    merged,
			"generatedAt": now,
			"updatedAt":   now,
		},
		"$setOnInsert": bson.M{
			"ownerId":   ownerID,
			"subjectId": subjectID,
			"createdAt": now,
		},
	}

	var updated models.InsightRecord
	err = s.collection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return nil, fmt.Errorf("failed to write insight record: %w", err)
	}

	s.count(len(normalized), evicted)
	return &updated, nil
}

// Get returns the record for (ownerID, subjectID), or nil if none exists
func (s *MongoStore) Get(ctx context.Context, ownerID, subjectID string) (*models.InsightRecord, error) {
	var record models.InsightRecord
	err := s.collection.FindOne(ctx, bson.M{
		"ownerId":   ownerID,
		"subjectId": subjectID,
	}).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get insight record: %w", err)
	}
	return &record, nil
}

// ListRecent returns the owner's records created within sinceDays days,
// most recently created first
func (s *MongoStore) ListRecent(ctx context.Context, ownerID string, sinceDays int) ([]models.InsightRecord, error) {
	cutoff := time.Now().AddDate(0, 0, -sinceDays)

	cursor, err := s.collection.Find(ctx, bson.M{
		"ownerId":   ownerID,
		"createdAt": bson.M{"$gte": cutoff},
	}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list insight records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.InsightRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode insight records: %w", err)
	}
	return records, nil
}

// Stats aggregates the owner's insights by type with a pipeline, so the
// result always reflects the latest state without materialization
func (s *MongoStore) Stats(ctx context.Context, ownerID string) (*models.InsightStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"ownerId": ownerID}}},
		{{Key: "$unwind", Value: "$insights"}},
		{{Key: "$group", Value: bson.M{
			"_id":           "$insights.type",
			"count":         bson.M{"$sum": 1},
			"avgConfidence": bson.M{"$avg": "$insights.confidence"},
			"highPriorityCount": bson.M{"$sum": bson.M{
				"$cond": bson.A{bson.M{"$eq": bson.A{"$insights.priority", "high"}}, 1, 0},
			}},
			"actionableCount": bson.M{"$sum": bson.M{
				"$cond": bson.A{"$insights.actionable", 1, 0},
			}},
		}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate insight stats: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Type models.InsightType `bson:"_id"`
		models.TypeStats       `bson:",inline"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode insight stats: %w", err)
	}

	stats := &models.InsightStats{ByType: make(map[models.InsightType]models.TypeStats, len(rows))}
	for _, row := range rows {
		stats.ByType[row.Type] = row.TypeStats
	}
	return stats, nil
}

func (s *MongoStore) count(appended, evicted int) {
	if s.metrics == nil {
		return
	}
	s.metrics.InsightAppends.Add(float64(appended))
	s.metrics.InsightEvictions.Add(float64(evicted))
}
