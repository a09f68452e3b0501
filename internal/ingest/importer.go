package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/retrieval"
)

const (
	importBatchSize = 32
	maxLineSize     = 1 << 20
)

// ImportResult counts what an import did with each dataset line.
type ImportResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// record is one line of a JSONL dataset.
type record struct {
	Text     string         `json:"text"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Importer loads JSONL datasets into a collection, one chunk per line.
type Importer struct {
	store    ChunkStore
	embedder BatchEmbedder
	bus      events.Publisher
	logger   *slog.Logger
}

func NewImporter(store ChunkStore, embedder BatchEmbedder, bus events.Publisher) *Importer {
	return &Importer{store: store, embedder: embedder, bus: bus, logger: slog.Default()}
}

// Import reads the JSONL file at source into the collection. Blank lines
// and texts already present are skipped; lines that cannot be parsed or
// embedded are counted as errors. An error is returned only when the
// import could not run at all, after dataset.import_failed is published.
func (im *Importer) Import(ctx context.Context, collectionID, source string) (ImportResult, error) {
	im.publish(ctx, events.TopicImportStarted, map[string]any{"collection_id": collectionID, "source": source})

	f, err := os.Open(source)
	if err != nil {
		return ImportResult{}, im.fail(ctx, collectionID, fmt.Errorf("opening dataset: %w", err))
	}
	defer f.Close()

	return im.ImportReader(ctx, collectionID, source, f)
}

// ImportReader is Import over an open reader. It does not publish
// dataset.import_started.
func (im *Importer) ImportReader(ctx context.Context, collectionID, source string, r io.Reader) (ImportResult, error) {
	col, err := im.store.GetCollection(collectionID)
	if err != nil {
		return ImportResult{}, im.fail(ctx, collectionID, err)
	}
	if !col.Embedding.Compatible(im.embedder.Config()) {
		return ImportResult{}, im.fail(ctx, collectionID, fmt.Errorf("%w: collection %s", retrieval.ErrIncompatible, col.Name))
	}
	logger := im.logger.With("collection_id", col.ID, "source", source)

	var res ImportResult
	seen := make(map[string]bool)
	batch := make([]record, 0, importBatchSize)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logger.Warn("skipping malformed line", "line", line, "error", err)
			res.Errors++
			continue
		}
		rec.Text = strings.TrimSpace(rec.Text)
		if rec.Text == "" || seen[rec.Text] {
			res.Skipped++
			continue
		}
		seen[rec.Text] = true
		exists, err := im.store.HasText(col.ID, rec.Text)
		if err != nil {
			return res, im.fail(ctx, col.ID, fmt.Errorf("checking line %d: %w", line, err))
		}
		if exists {
			res.Skipped++
			continue
		}

		batch = append(batch, rec)
		if len(batch) == importBatchSize {
			if err := im.flush(ctx, col, batch, &res, logger); err != nil {
				return res, im.fail(ctx, col.ID, err)
			}
			batch = batch[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return res, im.fail(ctx, col.ID, fmt.Errorf("reading dataset: %w", err))
	}
	if err := im.flush(ctx, col, batch, &res, logger); err != nil {
		return res, im.fail(ctx, col.ID, err)
	}

	logger.Info("dataset imported", "created", res.Created, "skipped", res.Skipped, "errors", res.Errors)
	im.publish(ctx, events.TopicImportCompleted, map[string]any{
		"collection_id": col.ID,
		"created":       res.Created,
		"skipped":       res.Skipped,
		"errors":        res.Errors,
	})
	return res, nil
}

// flush embeds and inserts a batch. When the batch embedding fails the
// records are embedded one by one so a single bad line only counts as one
// error. Only insert failures abort the import.
func (im *Importer) flush(ctx context.Context, col retrieval.Collection, batch []record, res *ImportResult, logger *slog.Logger) error {
	if len(batch) == 0 {
		return nil
	}
	texts := make([]string, len(batch))
	for i, rec := range batch {
		texts[i] = rec.Text
	}

	vectors, err := im.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		logger.Warn("batch embedding failed, embedding records one by one", "error", err)
		vectors = make([][]float32, len(batch))
		for i, text := range texts {
			v, err := im.embedder.EmbedBatch(ctx, []string{text})
			if err != nil {
				logger.Warn("embedding record failed", "error", err)
				continue
			}
			vectors[i] = v[0]
		}
	}

	chunks := make([]retrieval.Chunk, 0, len(batch))
	for i, rec := range batch {
		if vectors[i] == nil {
			res.Errors++
			continue
		}
		chunks = append(chunks, retrieval.Chunk{
			ID:        uuid.New().String(),
			Name:      rec.Name,
			Text:      rec.Text,
			Embedding: vectors[i],
			Metadata:  rec.Metadata,
			Policy:    retrieval.PolicyNone,
		})
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := im.store.InsertChunks(col.ID, chunks); err != nil {
		return fmt.Errorf("inserting chunks: %w", err)
	}
	res.Created += len(chunks)
	return nil
}

func (im *Importer) fail(ctx context.Context, collectionID string, err error) error {
	im.logger.Error("dataset import failed", "collection_id", collectionID, "error", err)
	im.publish(ctx, events.TopicImportFailed, map[string]any{
		"collection_id": collectionID,
		"error":         err.Error(),
	})
	return err
}

func (im *Importer) publish(ctx context.Context, topic string, payload map[string]any) {
	if im.bus == nil {
		return
	}
	if err := im.bus.Publish(ctx, topic, payload); err != nil {
		im.logger.Warn("publishing event failed", "topic", topic, "error", err)
	}
}
