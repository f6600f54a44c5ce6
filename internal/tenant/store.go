package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cexll/gitlab-copilot/internal/vault"
)

const defaultOpTimeout = 5 * time.Second

// User is an account that owns one or more GitLab configurations.
type User struct {
	ID          string `bson:"_id,omitempty"`
	Token       string `bson:"token"`
	Email       string `bson:"email"`
	Username    string `bson:"username"`
	DisplayName string `bson:"displayName,omitempty"`
}

// GitLabConfig binds one set of platform credentials to a user. The config is
// addressable directly by its opaque "glconfig_" token.
type GitLabConfig struct {
	ID            string `bson:"_id,omitempty"`
	UserID        string `bson:"userId"`
	ConfigToken   string `bson:"configToken"`
	Name          string `bson:"name,omitempty"`
	GitLabBaseURL string `bson:"gitlabBaseUrl"`
	AccessToken   string `bson:"accessToken"`    // encrypted at rest
	WebhookSecret string `bson:"webhookSecret"`  // encrypted at rest
	IsDefault     bool   `bson:"isDefault"`
}

// Store looks up users and configurations. Writes go through the out-of-scope
// configuration API; the core consumes it read-only.
type Store interface {
	FindUserByToken(ctx context.Context, token string) (*User, error)
	FindConfigByToken(ctx context.Context, configToken string) (*GitLabConfig, error)
	FindDefaultConfig(ctx context.Context, userID string) (*GitLabConfig, error)
	FindConfigsForUser(ctx context.Context, userID string) ([]GitLabConfig, error)
}

// MongoStore is the MongoDB-backed Store used in platform mode.
type MongoStore struct {
	users   *mongo.Collection
	configs *mongo.Collection
	timeout time.Duration
}

// NewMongoStore wires the users and gitlab_configs collections and ensures
// the unique indexes the platform relies on.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		users:   db.Collection("users"),
		configs: db.Collection("gitlab_configs"),
		timeout: defaultOpTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	userIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "token", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := s.users.Indexes().CreateMany(ctx, userIndexes); err != nil {
		return nil, fmt.Errorf("failed to create user indexes: %w", err)
	}

	configIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "configToken", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: "userId", Value: 1}, {Key: "isDefault", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"isDefault": true}),
		},
	}
	if _, err := s.configs.Indexes().CreateMany(ctx, configIndexes); err != nil {
		return nil, fmt.Errorf("failed to create config indexes: %w", err)
	}

	return s, nil
}

func (s *MongoStore) FindUserByToken(ctx context.Context, token string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var user User
	if err := s.users.FindOne(ctx, bson.M{"token": token}).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &user, nil
}

func (s *MongoStore) FindConfigByToken(ctx context.Context, configToken string) (*GitLabConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var cfg GitLabConfig
	if err := s.configs.FindOne(ctx, bson.M{"configToken": configToken}).Decode(&cfg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &cfg, nil
}

func (s *MongoStore) FindDefaultConfig(ctx context.Context, userID string) (*GitLabConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var cfg GitLabConfig
	err := s.configs.FindOne(ctx, bson.M{"userId": userID, "isDefault": true}).Decode(&cfg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &cfg, nil
}

func (s *MongoStore) FindConfigsForUser(ctx context.Context, userID string) ([]GitLabConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.configs.Find(ctx, bson.M{"userId": userID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer cur.Close(ctx)

	var configs []GitLabConfig
	if err := cur.All(ctx, &configs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return configs, nil
}

// Secrets decrypts a config's credentials using the vault.
func Secrets(v *vault.Vault, cfg *GitLabConfig) (accessToken, webhookSecret string, err error) {
	accessToken, err = v.DecryptSecret(cfg.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt access token: %w", err)
	}
	webhookSecret, err = v.DecryptSecret(cfg.WebhookSecret)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt webhook secret: %w", err)
	}
	return accessToken, webhookSecret, nil
}
