package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/queue"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

// Job types on the ingest queue.
const (
	JobDocument = "document"
	JobImport   = "import"
	JobReindex  = "reindex"
)

// ChunkStore is the part of the collection store ingestion writes to.
type ChunkStore interface {
	GetCollection(id string) (retrieval.Collection, error)
	InsertChunks(collectionID string, chunks []retrieval.Chunk) error
	HasText(collectionID, text string) (bool, error)
	ChunkTexts(collectionID string) ([]retrieval.Chunk, error)
	Reembed(collectionID string, from, to engine.EmbeddingConfig, vectors map[string][]float32) error
}

// BatchEmbedder embeds many texts at once.
type BatchEmbedder interface {
	Config() engine.EmbeddingConfig
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Enqueuer adds jobs to a named queue.
type Enqueuer interface {
	Enqueue(queue, jobType string, payload any, dedupeKey string) (string, error)
}

// Declarer registers a queue handler.
type Declarer interface {
	Declare(cfg queue.Config, h queue.Handler, onFailed queue.FailureHook) error
}

// Service accepts documents and dataset imports and processes them as jobs
// on the ingest queue.
type Service struct {
	store    ChunkStore
	embedder BatchEmbedder
	jobs     Enqueuer
	bus      events.Publisher
	importer *Importer
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a Service. bus may be nil.
func NewService(store ChunkStore, embedder BatchEmbedder, jobs Enqueuer, bus events.Publisher, opts ...Option) *Service {
	s := &Service{
		store:    store,
		embedder: embedder,
		jobs:     jobs,
		bus:      bus,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.importer = NewImporter(store, embedder, bus)
	s.importer.logger = s.logger
	return s
}

// Importer returns the dataset importer the service runs import jobs with.
func (s *Service) Importer() *Importer { return s.importer }

type documentPayload struct {
	CollectionID string `json:"collection_id"`
	Title        string `json:"title"`
	Text         string `json:"text"`
}

// AddDocument extracts the text of a document and enqueues a job that
// chunks and embeds it into the collection. It returns the job id.
func (s *Service) AddDocument(ctx context.Context, collectionID, title string, content []byte, contentType string) (string, error) {
	col, err := s.store.GetCollection(collectionID)
	if err != nil {
		return "", err
	}
	if !col.Embedding.Compatible(s.embedder.Config()) {
		return "", fmt.Errorf("%w: collection %s uses %s/%s", retrieval.ErrIncompatible, col.Name, col.Embedding.Provider, col.Embedding.Model)
	}
	text, err := ExtractText(contentType, content)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("document %q has no text", title)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled"
	}

	id, err := s.jobs.Enqueue(queue.Ingest, JobDocument, documentPayload{
		CollectionID: col.ID,
		Title:        title,
		Text:         text,
	}, "document:"+col.ID+":"+retrieval.HashText(text))
	if err != nil {
		return "", fmt.Errorf("enqueueing document: %w", err)
	}
	s.logger.Info("document queued", "collection_id", col.ID, "document", title, "job_id", id)
	return id, nil
}

// ImportSpec names a JSONL dataset to import into a collection. Source is
// a path readable by the server process.
type ImportSpec struct {
	CollectionID string `json:"collection_id"`
	Source       string `json:"source"`
}

// ImportBatch enqueues one import job per spec and returns the job ids.
func (s *Service) ImportBatch(ctx context.Context, specs []ImportSpec) ([]string, error) {
	for _, spec := range specs {
		if spec.CollectionID == "" || spec.Source == "" {
			return nil, fmt.Errorf("import needs a collection and a source")
		}
	}
	s.publish(ctx, events.TopicBatchImportStarted, map[string]any{"count": len(specs)})

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		id, err := s.jobs.Enqueue(queue.Ingest, JobImport, spec, "import:"+spec.CollectionID+":"+spec.Source)
		if err != nil {
			return ids, fmt.Errorf("enqueueing import of %s: %w", spec.Source, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type reindexPayload struct {
	CollectionID string `json:"collection_id"`
}

// Reindex enqueues a job that re-embeds every chunk of a collection with the
// current embedding model, for collections created under an earlier one.
// It returns the job id.
func (s *Service) Reindex(ctx context.Context, collectionID string) (string, error) {
	col, err := s.store.GetCollection(collectionID)
	if err != nil {
		return "", err
	}
	id, err := s.jobs.Enqueue(queue.Ingest, JobReindex, reindexPayload{CollectionID: col.ID}, "reindex:"+col.ID)
	if err != nil {
		return "", fmt.Errorf("enqueueing reindex: %w", err)
	}
	target := s.embedder.Config()
	s.logger.Info("reindex queued", "collection_id", col.ID, "from_model", col.Embedding.Model, "to_model", target.Model, "job_id", id)
	return id, nil
}

// Register declares the ingest queue. A zero cfg uses the built-in one.
func (s *Service) Register(m Declarer, cfg queue.Config) error {
	if cfg.Name == "" {
		cfg, _ = queue.Default(queue.Ingest)
	}
	return m.Declare(cfg, s.Handle, s.failed)
}

// Handle runs one ingest job.
func (s *Service) Handle(ctx context.Context, job storage.Job) error {
	switch job.Type {
	case JobDocument:
		return s.handleDocument(ctx, job)
	case JobImport:
		return s.handleImport(ctx, job)
	case JobReindex:
		return s.handleReindex(ctx, job)
	}
	return queue.Terminal(fmt.Errorf("unknown ingest job type %q", job.Type))
}

func (s *Service) failed(_ context.Context, job storage.Job, cause error) {
	s.logger.Error("ingest job failed", "job_id", job.ID, "type", job.Type, "error", cause)
}

func (s *Service) publish(ctx context.Context, topic string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn("publishing event failed", "topic", topic, "error", err)
	}
}
