// Package eventstore persists the append-only record of inbound webhook
// events and their terminal status.
package eventstore

import (
	"context"
	"time"
)

// Status is the lifecycle state of an event record.
type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
)

// ResponseType classifies what the event produced.
type ResponseType string

const (
	ResponseInstruction ResponseType = "instruction"
	ResponseProgress    ResponseType = "progress"
	ResponseFinal       ResponseType = "final"
	ResponseError       ResponseType = "error"
)

// Record is one inbound event. ReceivedAt is always set; ProcessedAt is set
// iff the status left "received", and ExecutionTimeMs is their difference.
type Record struct {
	ID                 string       `bson:"_id"`
	TenantID           string       `bson:"tenantId"`
	ConfigID           string       `bson:"configId,omitempty"`
	ProjectID          int          `bson:"projectId"`
	ProjectName        string       `bson:"projectName,omitempty"`
	EventKind          string       `bson:"eventKind"`
	EventContext       string       `bson:"eventContext,omitempty"`
	ContextID          int          `bson:"contextId,omitempty"`
	ContextTitle       string       `bson:"contextTitle,omitempty"`
	InstructionText    string       `bson:"instructionText,omitempty"`
	AIProvider         string       `bson:"aiProvider,omitempty"`
	Status             Status       `bson:"status"`
	Payload            []byte       `bson:"payload,omitempty"`
	ReceivedAt         time.Time    `bson:"receivedAt"`
	ProcessedAt        *time.Time   `bson:"processedAt,omitempty"`
	ExecutionTimeMs    int64        `bson:"executionTimeMs,omitempty"`
	ResponseType       ResponseType `bson:"responseType,omitempty"`
	IsProgressResponse bool         `bson:"isProgressResponse,omitempty"`
	SourceBranch       string       `bson:"sourceBranch,omitempty"`
	TargetBranch       string       `bson:"targetBranch,omitempty"`
	WebhookAction      string       `bson:"webhookAction,omitempty"`
	AuthorUsername     string       `bson:"authorUsername,omitempty"`
	ErrorMessage       string       `bson:"errorMessage,omitempty"`
}

// Details is a partial update applied to an existing record.
type Details struct {
	InstructionText string
	AIProvider      string
	ResponseType    ResponseType
	SourceBranch    string
	TargetBranch    string
	ContextTitle    string
}

// Store is the event record collaborator contract.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	MarkProcessed(ctx context.Context, id string, status Status, errorMessage string) error
	UpdateDetails(ctx context.Context, id string, details Details) error
	ListRecent(ctx context.Context, limit int, includeProgress bool) ([]Record, error)
}
