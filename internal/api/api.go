// Package api exposes the message pipeline, collections and imports over
// HTTP and as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/ingest"
	"github.com/kalambet/medbridge/internal/pipeline"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxUploadBodySize  = 25 << 20 // 25MB, audio and documents
)

// Messages is the message pipeline as seen by the API.
type Messages interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.Receipt, error)
	GetStatus(messageID string) (pipeline.Status, error)
	Resynthesize(ctx context.Context, messageID string) (string, error)
	RequestAssistance(ctx context.Context, conversationID, kind, query string) (string, error)
	GetAssistance(id string) (pipeline.Assistance, error)
	SupportsLanguage(code string) bool
}

// Conversations reads and writes conversation metadata.
type Conversations interface {
	SaveConversation(c storage.Conversation) error
	GetConversation(id string) (storage.Conversation, error)
	ListMessages(conversationID string, limit int) ([]storage.Message, error)
}

// Collections manages retrieval collections and their links.
type Collections interface {
	CreateCollection(c retrieval.Collection) (retrieval.Collection, error)
	GetCollection(id string) (retrieval.Collection, error)
	ListCollections() ([]retrieval.Collection, error)
	DeleteCollection(id string) error
	EnsureScoped(conversationID string, cfg engine.EmbeddingConfig) (retrieval.Collection, error)
	Link(scopedID, globalID string) error
	Unlink(scopedID, globalID string) error
	Links(scopedID string) ([]retrieval.Collection, error)
	CountChunks(collectionID string) (int, error)
}

// Retriever answers context queries for a conversation.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope retrieval.Scope, topK int) (retrieval.RankedContext, error)
}

// Documents queues document ingestion and dataset imports.
type Documents interface {
	AddDocument(ctx context.Context, collectionID, title string, content []byte, contentType string) (string, error)
	ImportBatch(ctx context.Context, specs []ingest.ImportSpec) ([]string, error)
	Reindex(ctx context.Context, collectionID string) (string, error)
}

// ImportStatus reports the latest import state of a collection.
type ImportStatus interface {
	Get(collectionID string) (events.ImportProgress, bool)
}

// QueueStats reports per-queue job counts.
type QueueStats interface {
	QueueStats() ([]storage.QueueStats, error)
}

type Deps struct {
	Messages      Messages
	Conversations Conversations
	Collections   Collections
	Retriever     Retriever
	Documents     Documents
	Imports       ImportStatus
	Queues        QueueStats
	// Embedding is the embedding space new collections are created in.
	Embedding engine.EmbeddingConfig
	Token     string
	Logger    *slog.Logger
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/conversations", handleCreateConversation(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))

		r.Post("/messages", handleSubmit(deps))
		r.Get("/messages/{id}", handleMessageStatus(deps))
		r.Post("/messages/{id}/resynthesize", handleResynthesize(deps))

		r.Post("/retrieve", handleRetrieve(deps))
		r.Post("/assistance", handleRequestAssistance(deps))
		r.Get("/assistance/{id}", handleGetAssistance(deps))

		r.Post("/collections", handleCreateCollection(deps))
		r.Get("/collections", handleListCollections(deps))
		r.Delete("/collections/{id}", handleDeleteCollection(deps))
		r.Post("/collections/{id}/links", handleLink(deps))
		r.Delete("/collections/{id}/links/{globalID}", handleUnlink(deps))
		r.Post("/collections/{id}/documents", handleAddDocument(deps))
		r.Post("/collections/{id}/reindex", handleReindex(deps))

		r.Post("/imports", handleImport(deps))
		r.Post("/imports/batch", handleImportBatch(deps))
		r.Get("/imports/{collectionID}", handleImportStatus(deps))

		r.Get("/queues", handleQueues(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleQueues(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Queues.QueueStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read queue stats: %v", err)
			return
		}
		if stats == nil {
			stats = []storage.QueueStats{}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// decodeBody reads a JSON request body of at most limit bytes into v and
// writes a 400 when it cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body exceeds %d bytes", tooLarge.Limit)
			return false
		}
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps a domain error to a status code.
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, retrieval.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: %v", op, err)
	case errors.Is(err, pipeline.ErrEmptyText),
		errors.Is(err, pipeline.ErrInvalidRole),
		errors.Is(err, pipeline.ErrInvalidKind),
		errors.Is(err, pipeline.ErrUnsupportedLanguage):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", op, err)
	case errors.Is(err, ingest.ErrUnsupportedContent):
		httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%s: %v", op, err)
	case errors.Is(err, pipeline.ErrNotPartial):
		httpError(w, http.StatusConflict, "conflict", "%s: %v", op, err)
	case errors.Is(err, retrieval.ErrIncompatible),
		errors.Is(err, retrieval.ErrInvalidLink),
		errors.Is(err, retrieval.ErrDimensionMismatch):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%s: %v", op, err)
	default:
		logger.Error("request failed", "op", op, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", op, err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
