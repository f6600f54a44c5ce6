package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Metadata records when a workspace directory was last used, so cleanup can
// reap idle ones without touching the filesystem of busy ones.
type Metadata struct {
	ID         string    `bson:"_id" json:"id"`
	TenantID   string    `bson:"tenantId,omitempty" json:"tenantId,omitempty"`
	ProjectID  int       `bson:"projectId,omitempty" json:"projectId,omitempty"`
	Branch     string    `bson:"branch,omitempty" json:"branch,omitempty"`
	LastUsedAt time.Time `bson:"lastUsedAt" json:"lastUsedAt"`
}

// MetadataStore tracks workspace usage.
type MetadataStore interface {
	Touch(ctx context.Context, meta Metadata) error
	Get(ctx context.Context, id string) (*Metadata, error)
	Remove(ctx context.Context, id string) error
	FindUnusedSince(ctx context.Context, cutoff time.Time) ([]Metadata, error)
}

// MongoMetadataStore persists workspace metadata in the workspaces collection.
type MongoMetadataStore struct {
	coll *mongo.Collection
}

// NewMongoMetadataStore creates the store and its index.
func NewMongoMetadataStore(ctx context.Context, db *mongo.Database) (*MongoMetadataStore, error) {
	coll := db.Collection("workspaces")
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "lastUsedAt", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create workspaces index: %w", err)
	}
	return &MongoMetadataStore{coll: coll}, nil
}

func (s *MongoMetadataStore) Touch(ctx context.Context, meta Metadata) error {
	if meta.LastUsedAt.IsZero() {
		meta.LastUsedAt = time.Now()
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": meta.ID},
		bson.M{"$set": meta},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workspace metadata: %w", err)
	}
	return nil
}

func (s *MongoMetadataStore) Get(ctx context.Context, id string) (*Metadata, error) {
	var meta Metadata
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&meta)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace metadata: %w", err)
	}
	return &meta, nil
}

func (s *MongoMetadataStore) Remove(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to remove workspace metadata: %w", err)
	}
	return nil
}

func (s *MongoMetadataStore) FindUnusedSince(ctx context.Context, cutoff time.Time) ([]Metadata, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"lastUsedAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, fmt.Errorf("failed to query idle workspaces: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Metadata
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode idle workspaces: %w", err)
	}
	return out, nil
}

// MemoryMetadataStore keeps metadata in-process. Used without MongoDB and in
// tests.
type MemoryMetadataStore struct {
	mu      sync.RWMutex
	entries map[string]Metadata
}

func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{entries: make(map[string]Metadata)}
}

func (s *MemoryMetadataStore) Touch(_ context.Context, meta Metadata) error {
	if meta.LastUsedAt.IsZero() {
		meta.LastUsedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[meta.ID] = meta
	return nil
}

func (s *MemoryMetadataStore) Get(_ context.Context, id string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

func (s *MemoryMetadataStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryMetadataStore) FindUnusedSince(_ context.Context, cutoff time.Time) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Metadata
	for _, meta := range s.entries {
		if meta.LastUsedAt.Before(cutoff) {
			out = append(out, meta)
		}
	}
	return out, nil
}
