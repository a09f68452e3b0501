package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// AuditLogger returns a handler that writes every event to logger.
func AuditLogger(logger *slog.Logger) Handler {
	return func(ctx context.Context, ev Event) error {
		attrs := make([]any, 0, 2*len(ev.Payload)+4)
		attrs = append(attrs, "topic", ev.Topic, "event_id", ev.ID)
		keys := make([]string, 0, len(ev.Payload))
		for k := range ev.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, k, ev.Payload[k])
		}
		logger.InfoContext(ctx, "event", attrs...)
		return nil
	}
}

// ImportProgress is the latest known state of a dataset import.
type ImportProgress struct {
	CollectionID string    `json:"collection_id"`
	State        string    `json:"state"` // "started", "completed", "failed"
	Source       string    `json:"source,omitempty"`
	Created      int       `json:"created"`
	Skipped      int       `json:"skipped"`
	Errors       int       `json:"errors"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ImportTracker keeps the latest dataset import state per collection.
// Subscribe Handle to "dataset.#" and "collection.deleted"; state is held
// per live collection only.
type ImportTracker struct {
	mu       sync.RWMutex
	progress map[string]ImportProgress
	lastID   map[string]string
}

func NewImportTracker() *ImportTracker {
	return &ImportTracker{
		progress: make(map[string]ImportProgress),
		lastID:   make(map[string]string),
	}
}

func (t *ImportTracker) Handle(_ context.Context, ev Event) error {
	collectionID, _ := ev.Payload["collection_id"].(string)
	if collectionID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Topic == TopicCollectionDeleted {
		delete(t.progress, collectionID)
		delete(t.lastID, collectionID)
		return nil
	}
	// Older redeliveries lose on timestamp; this catches the latest one.
	if t.lastID[collectionID] == ev.ID {
		return nil
	}

	p := t.progress[collectionID]
	if !p.UpdatedAt.IsZero() && ev.Timestamp.Before(p.UpdatedAt) {
		return nil
	}
	p.CollectionID = collectionID
	p.UpdatedAt = ev.Timestamp

	switch ev.Topic {
	case TopicImportStarted:
		p = ImportProgress{CollectionID: collectionID, State: "started", UpdatedAt: ev.Timestamp}
		p.Source, _ = ev.Payload["source"].(string)
	case TopicImportCompleted:
		p.State = "completed"
		p.Created = intField(ev.Payload, "created")
		p.Skipped = intField(ev.Payload, "skipped")
		p.Errors = intField(ev.Payload, "errors")
	case TopicImportFailed:
		p.State = "failed"
		p.Error, _ = ev.Payload["error"].(string)
	default:
		return nil
	}
	t.progress[collectionID] = p
	t.lastID[collectionID] = ev.ID
	return nil
}

func (t *ImportTracker) Get(collectionID string) (ImportProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.progress[collectionID]
	return p, ok
}

// intField reads a count that may have crossed a JSON boundary as float64.
func intField(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
