package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/events"
	"golang.org/x/sync/errgroup"
)

// CollectionSource is the read side of the collection store used by the
// aggregator.
type CollectionSource interface {
	ScopedFor(conversationID string) (Collection, bool, error)
	Links(scopedID string) ([]Collection, error)
	Defaults() ([]Collection, error)
	Search(ctx context.Context, collectionID string, vector []float32, topK int) ([]ScoredChunk, error)
}

// Scope selects the collections a retrieval consults.
type Scope struct {
	ConversationID string
	// IncludeDefaults adds the default global collections, used by
	// clinician assistance.
	IncludeDefaults bool
}

// RankedContext is the merged result of a retrieval.
type RankedContext struct {
	Chunks []ScoredChunk `json:"chunks"`
	// Collections names every collection that was searched.
	Collections []string `json:"collections"`
	// Skipped names collections left out for an incompatible embedding space.
	Skipped []string `json:"skipped,omitempty"`
	// Degraded is set when the query could not be embedded or searched in
	// time and the context is empty or partial.
	Degraded bool `json:"degraded,omitempty"`
}

// Empty reports whether no chunk was retrieved.
func (r RankedContext) Empty() bool { return len(r.Chunks) == 0 }

// Options bound a retrieval.
type Options struct {
	TopK      int
	MinScore  float32
	MaxLinked int
	Timeout   time.Duration
}

// DefaultOptions returns the built-in retrieval bounds.
func DefaultOptions() Options {
	return Options{TopK: 5, MinScore: 0.3, MaxLinked: 8, Timeout: 3 * time.Second}
}

// Aggregator answers "what do we know relevant to this query" for a
// conversation: it embeds the query once and searches every relevant
// collection with that one vector.
type Aggregator struct {
	store    CollectionSource
	embedder engine.Embedder
	bus      events.Publisher
	opts     Options
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator. bus may be nil. Zero fields of opts
// take their defaults.
func NewAggregator(store CollectionSource, embedder engine.Embedder, bus events.Publisher, opts Options) *Aggregator {
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.MaxLinked <= 0 {
		opts.MaxLinked = def.MaxLinked
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Aggregator{
		store:    store,
		embedder: embedder,
		bus:      bus,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// SetLogger replaces the default logger.
func (a *Aggregator) SetLogger(l *slog.Logger) {
	if l != nil {
		a.logger = l
	}
}

// Options returns the effective bounds.
func (a *Aggregator) Options() Options { return a.opts }

// Retrieve returns at most topK chunks relevant to query, drawn from the
// conversation's scoped collection, the global collections it links and,
// when requested, the default globals. topK <= 0 uses the configured
// default.
//
// Embedding or search failures never surface as errors: the result is an
// empty (or partial) context flagged Degraded, and embedding failures are
// published as retrieval.embedding_failed. Only failures to resolve the
// collection set are returned.
func (a *Aggregator) Retrieve(ctx context.Context, query string, scope Scope, topK int) (RankedContext, error) {
	if topK <= 0 {
		topK = a.opts.TopK
	}
	logger := a.logger.With("conversation_id", scope.ConversationID)

	cols, skipped, err := a.resolve(scope, logger)
	if err != nil {
		return RankedContext{}, fmt.Errorf("resolving collections: %w", err)
	}
	result := RankedContext{Skipped: skipped}
	if len(cols) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	vec, err := a.embed(ctx, query)
	if err != nil {
		logger.Warn("query embedding failed, continuing without context", "error", err)
		a.publish(context.WithoutCancel(ctx), events.TopicEmbeddingFailed, map[string]any{
			"conversation_id": scope.ConversationID,
			"error":           err.Error(),
		})
		result.Degraded = true
		return result, nil
	}

	perCollection := make([][]ScoredChunk, len(cols))
	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	for i, c := range cols {
		g.Go(func() error {
			hits, err := a.store.Search(gCtx, c.ID, vec, topK)
			if err != nil {
				logger.Warn("collection search failed", "collection_id", c.ID, "error", err)
				mu.Lock()
				result.Degraded = true
				mu.Unlock()
				return nil
			}
			perCollection[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range cols {
		result.Collections = append(result.Collections, c.Name)
	}
	result.Chunks = merge(perCollection, topK, a.opts.MinScore)
	return result, nil
}

// resolve lists the collections to search, dropping duplicates and those
// whose embedding space differs from the query embedder's.
func (a *Aggregator) resolve(scope Scope, logger *slog.Logger) ([]Collection, []string, error) {
	var candidates []Collection

	if scope.ConversationID != "" {
		scoped, ok, err := a.store.ScopedFor(scope.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			candidates = append(candidates, scoped)
			links, err := a.store.Links(scoped.ID)
			if err != nil {
				return nil, nil, err
			}
			if len(links) > a.opts.MaxLinked {
				logger.Warn("conversation links more collections than allowed, ignoring the newest",
					"linked", len(links), "max_linked", a.opts.MaxLinked)
				links = links[:a.opts.MaxLinked]
			}
			candidates = append(candidates, links...)
		}
	}
	if scope.IncludeDefaults {
		defaults, err := a.store.Defaults()
		if err != nil {
			return nil, nil, err
		}
		candidates = append(candidates, defaults...)
	}

	want := a.embedder.Config()
	seen := make(map[string]bool, len(candidates))
	var cols []Collection
	var skipped []string
	for _, c := range candidates {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if !c.Embedding.Compatible(want) {
			logger.Warn("skipping collection with incompatible embeddings",
				"collection_id", c.ID, "collection", c.Name,
				"collection_model", c.Embedding.Model, "collection_dims", c.Embedding.Dimensions,
				"query_model", want.Model, "query_dims", want.Dimensions)
			skipped = append(skipped, c.Name)
			continue
		}
		cols = append(cols, c)
	}
	return cols, skipped, nil
}

// embed calls the embedder but gives up when ctx ends, even if the
// provider ignores cancellation. A late result is discarded.
func (a *Aggregator) embed(ctx context.Context, text string) ([]float32, error) {
	type result struct {
		vec []float32
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vec, err := a.embedder.Embed(ctx, text)
		ch <- result{vec, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && len(r.vec) == 0 {
			return nil, errors.New("empty query embedding")
		}
		return r.vec, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("embedding query: %w", ctx.Err())
	}
}

func (a *Aggregator) publish(ctx context.Context, topic string, payload map[string]any) {
	if a.bus == nil {
		return
	}
	if err := a.bus.Publish(ctx, topic, payload); err != nil {
		a.logger.Warn("publishing event failed", "topic", topic, "error", err)
	}
}

// merge flattens per-collection hits, drops those under minScore, and keeps
// the topK best by score.
func merge(lists [][]ScoredChunk, topK int, minScore float32) []ScoredChunk {
	var all []ScoredChunk
	for _, l := range lists {
		for _, c := range l {
			if c.Score < minScore {
				continue
			}
			all = append(all, c)
		}
	}
	sortByScore(all)
	if len(all) > topK {
		all = all[:topK]
	}
	return all
}
