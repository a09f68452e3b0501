package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/queue"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

// handleDocument splits a queued document with its collection's chunking
// policy, embeds the chunks and inserts them in one transaction. Chunks
// whose text is already in the collection are left out, so a re-run after
// a crash does not duplicate them.
func (s *Service) handleDocument(ctx context.Context, job storage.Job) error {
	var p documentPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return queue.Terminal(fmt.Errorf("parsing payload: %w", err))
	}

	col, err := s.store.GetCollection(p.CollectionID)
	if err != nil {
		if errors.Is(err, retrieval.ErrNotFound) {
			return queue.Terminal(err)
		}
		return fmt.Errorf("loading collection %s: %w", p.CollectionID, err)
	}
	if !col.Embedding.Compatible(s.embedder.Config()) {
		return queue.Terminal(fmt.Errorf("%w: collection %s", retrieval.ErrIncompatible, col.Name))
	}

	parts := retrieval.Split(p.Text, col.Chunking)
	chunks := make([]retrieval.Chunk, 0, len(parts))
	for i, text := range parts {
		exists, err := s.store.HasText(col.ID, text)
		if err != nil {
			return fmt.Errorf("checking chunk %d: %w", i, err)
		}
		if exists {
			continue
		}
		name := p.Title
		if len(parts) > 1 {
			name = fmt.Sprintf("%s (Part %d)", p.Title, i+1)
		}
		chunks = append(chunks, retrieval.Chunk{
			ID:   uuid.New().String(),
			Name: name,
			Text: text,
			Metadata: map[string]any{
				"document":     p.Title,
				"chunk_index":  i,
				"total_chunks": len(parts),
			},
			Policy: col.Chunking.Kind,
		})
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if errors.Is(err, retrieval.ErrDimensionMismatch) {
				return queue.Terminal(err)
			}
			return fmt.Errorf("embedding %s: %w", p.Title, err)
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}
		if err := s.store.InsertChunks(col.ID, chunks); err != nil {
			if errors.Is(err, retrieval.ErrDimensionMismatch) {
				return queue.Terminal(err)
			}
			return fmt.Errorf("inserting chunks of %s: %w", p.Title, err)
		}
	}

	s.logger.Info("document processed", "collection_id", col.ID, "document", p.Title,
		"chunks", len(chunks), "skipped", len(parts)-len(chunks))
	s.publish(ctx, events.TopicDocumentProcessed, map[string]any{
		"collection_id": col.ID,
		"document":      p.Title,
		"chunks":        len(chunks),
	})
	return nil
}

// handleImport runs a dataset import. A source that cannot be read or a
// missing collection will not get better on retry.
func (s *Service) handleImport(ctx context.Context, job storage.Job) error {
	var spec ImportSpec
	if err := json.Unmarshal([]byte(job.PayloadJSON), &spec); err != nil {
		return queue.Terminal(fmt.Errorf("parsing payload: %w", err))
	}
	if _, err := s.importer.Import(ctx, spec.CollectionID, spec.Source); err != nil {
		return queue.Terminal(err)
	}
	return nil
}

// handleReindex re-embeds a collection into the current embedding space. A
// collection already in that space is left alone, so a repeated job is a
// no-op. ErrChanged means chunks were added or removed meanwhile; the retry
// starts over from the new chunk set.
func (s *Service) handleReindex(ctx context.Context, job storage.Job) error {
	var p reindexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return queue.Terminal(fmt.Errorf("parsing payload: %w", err))
	}

	col, err := s.store.GetCollection(p.CollectionID)
	if err != nil {
		if errors.Is(err, retrieval.ErrNotFound) {
			return queue.Terminal(err)
		}
		return fmt.Errorf("loading collection %s: %w", p.CollectionID, err)
	}
	target := s.embedder.Config()
	if col.Embedding.Compatible(target) {
		s.logger.Info("collection already uses the current embedding model", "collection_id", col.ID, "model", target.Model)
		return nil
	}

	chunks, err := s.store.ChunkTexts(col.ID)
	if err != nil {
		return fmt.Errorf("listing chunks of %s: %w", col.Name, err)
	}
	vectors := make(map[string][]float32, len(chunks))
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		embedded, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if errors.Is(err, retrieval.ErrDimensionMismatch) {
				return queue.Terminal(err)
			}
			return fmt.Errorf("embedding %s: %w", col.Name, err)
		}
		for i, c := range chunks {
			vectors[c.ID] = embedded[i]
		}
	}

	if err := s.store.Reembed(col.ID, col.Embedding, target, vectors); err != nil {
		if errors.Is(err, retrieval.ErrDimensionMismatch) {
			return queue.Terminal(err)
		}
		return fmt.Errorf("reindexing %s: %w", col.Name, err)
	}

	s.logger.Info("collection reindexed", "collection_id", col.ID, "chunks", len(chunks),
		"from_model", col.Embedding.Model, "to_model", target.Model)
	s.publish(ctx, events.TopicCollectionReindexed, map[string]any{
		"collection_id": col.ID,
		"chunks":        len(chunks),
		"provider":      target.Provider,
		"model":         target.Model,
		"dimensions":    target.Dimensions,
	})
	return nil
}
