// Package events is a topic-based publish/subscribe bus. Topics are
// dot-separated (message.stage.completed); subscription patterns may use "*"
// for exactly one segment and "#" for zero or more segments.
//
// Delivery is asynchronous and at-least-once: Publish only enqueues, and a
// handler returning an error is retried. Handlers must therefore be
// idempotent; Event.ID is stable across redeliveries.
package events

import (
	"context"
	"errors"
	"time"
)

// Topics published by the system.
const (
	TopicMessageReceived     = "message.received"
	TopicStageCompleted      = "message.stage.completed"
	TopicStageFailed         = "message.stage.failed"
	TopicMessageDelivered    = "message.delivered"
	TopicMessageFailed       = "message.failed"
	TopicMessagePartial      = "message.partial"
	TopicJobFailed           = "job.failed"
	TopicEmbeddingFailed     = "retrieval.embedding_failed"
	TopicDocumentProcessed   = "document.processed"
	TopicAssistanceGenerated = "assistance.generated"
	TopicImportStarted       = "dataset.import_started"
	TopicImportCompleted     = "dataset.import_completed"
	TopicImportFailed        = "dataset.import_failed"
	TopicBatchImportStarted  = "dataset.batch_import_started"
	TopicCollectionCreated   = "collection.created"
	TopicCollectionDeleted   = "collection.deleted"
	TopicCollectionReindexed = "collection.reindexed"
)

var (
	ErrClosed         = errors.New("event bus closed")
	ErrAlreadyStarted = errors.New("event bus already started")
)

// Event is an immutable published fact.
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes one event. A non-nil error causes redelivery.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) error
}

// Bus is a Publisher that also accepts subscriptions. Subscriptions are
// declared before Start; the table is fixed afterwards.
type Bus interface {
	Publisher
	Subscribe(pattern string, h Handler) error
	Start(ctx context.Context) error
	Close() error
}
