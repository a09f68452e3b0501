package retrieval

import (
	"errors"
	"time"

	"github.com/kalambet/medbridge/internal/engine"
)

// Collection kinds.
const (
	KindGlobal = "global"
	KindScoped = "scoped"
)

// Chunking policies.
const (
	PolicyFixed  = "fixed"
	PolicyWindow = "window"
	PolicyNone   = "none"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDimensionMismatch = errors.New("embedding dimensions do not match collection")
	ErrIncompatible      = errors.New("incompatible embedding configuration")
	ErrInvalidLink       = errors.New("invalid collection link")
	// ErrChanged is returned by Reembed when the collection moved on while
	// its new embeddings were computed.
	ErrChanged = errors.New("collection changed during reindex")
)

// ChunkPolicy controls how documents are split before embedding.
type ChunkPolicy struct {
	Kind    string `json:"kind"`
	Length  int    `json:"length,omitempty"`
	Overlap int    `json:"overlap,omitempty"`
}

// DefaultChunkPolicy is a 1000-rune sliding window with 200 runes of overlap.
var DefaultChunkPolicy = ChunkPolicy{Kind: PolicyWindow, Length: 1000, Overlap: 200}

// Collection is a named bucket of chunks sharing one embedding space.
type Collection struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Kind           string                 `json:"kind"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	IsDefault      bool                   `json:"is_default"`
	Embedding      engine.EmbeddingConfig `json:"embedding"`
	Chunking       ChunkPolicy            `json:"chunking"`
	Description    string                 `json:"description,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Chunk is the retrievable unit. Only its embedding changes after insert,
// when its collection is reindexed.
type Chunk struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collection_id"`
	Name         string         `json:"name,omitempty"`
	Text         string         `json:"text"`
	TextHash     string         `json:"-"`
	Embedding    []float32      `json:"-"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Policy       string         `json:"policy"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ScoredChunk is a Chunk with its cosine similarity to a query and the
// name of the collection it came from.
type ScoredChunk struct {
	Chunk
	CollectionName string  `json:"collection_name"`
	Score          float32 `json:"score"`
}
