package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultOpTimeout = 5 * time.Second

// MongoStore persists event records in the "events" collection.
type MongoStore struct {
	events  *mongo.Collection
	timeout time.Duration
}

// NewMongoStore wires the events collection and its query indexes.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		events:  db.Collection("events"),
		timeout: defaultOpTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "receivedAt", Value: -1}}},
		{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "receivedAt", Value: -1}}},
		{Keys: bson.D{{Key: "isProgressResponse", Value: 1}}},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create event indexes: %w", err)
	}

	return s, nil
}

func (s *MongoStore) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return errors.New("event id is required")
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusReceived
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.events.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// MarkProcessed performs the single terminal transition received -> {processed, error}
// and stamps processedAt and executionTimeMs.
func (s *MongoStore) MarkProcessed(ctx context.Context, id string, status Status, errorMessage string) error {
	if status != StatusProcessed && status != StatusError {
		return fmt.Errorf("invalid terminal status: %s", status)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rec Record
	if err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("event %s not found", id)
		}
		return fmt.Errorf("failed to load event: %w", err)
	}

	now := time.Now().UTC()
	set := bson.M{
		"status":          status,
		"processedAt":     now,
		"executionTimeMs": now.Sub(rec.ReceivedAt).Milliseconds(),
	}
	if errorMessage != "" {
		set["errorMessage"] = errorMessage
	}

	// Only records still in "received" may transition; repeats are no-ops.
	res, err := s.events.UpdateOne(ctx, bson.M{"_id": id, "status": StatusReceived}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if res.MatchedCount == 0 && rec.Status != StatusReceived {
		return nil
	}
	return nil
}

func (s *MongoStore) UpdateDetails(ctx context.Context, id string, details Details) error {
	set := bson.M{}
	if details.InstructionText != "" {
		set["instructionText"] = details.InstructionText
	}
	if details.AIProvider != "" {
		set["aiProvider"] = details.AIProvider
	}
	if details.ResponseType != "" {
		set["responseType"] = details.ResponseType
	}
	if details.SourceBranch != "" {
		set["sourceBranch"] = details.SourceBranch
	}
	if details.TargetBranch != "" {
		set["targetBranch"] = details.TargetBranch
	}
	if details.ContextTitle != "" {
		set["contextTitle"] = details.ContextTitle
	}
	if len(set) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.events.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("failed to update event details: %w", err)
	}
	return nil
}

// ListRecent returns the newest records. Progress-response rows are excluded
// unless includeProgress is set, so usage statistics stay clean by default.
func (s *MongoStore) ListRecent(ctx context.Context, limit int, includeProgress bool) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	filter := bson.M{}
	if !includeProgress {
		filter["isProgressResponse"] = bson.M{"$ne": true}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.events.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "receivedAt", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer cur.Close(ctx)

	var records []Record
	if err := cur.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return records, nil
}
