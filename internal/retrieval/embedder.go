package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/medbridge/internal/engine"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var _ engine.Embedder = (*Embedder)(nil)

// sharedCallTimeout bounds a provider call that outlives the caller who
// started it.
const sharedCallTimeout = 30 * time.Second

// Embedder wraps an embedding capability. Concurrent requests for the same
// text share one provider call.
type Embedder struct {
	inner engine.Embedder
	group singleflight.Group
}

func NewEmbedder(inner engine.Embedder) *Embedder {
	return &Embedder{inner: inner}
}

func (e *Embedder) Config() engine.EmbeddingConfig { return e.inner.Config() }

// Embed returns the embedding vector for a single text. The shared provider
// call is detached from any one caller: a caller whose context ends gets its
// own error while the others keep waiting for the result.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ch := e.group.DoChan(text, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		vec, err := e.inner.Embed(callCtx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text: %w", err)
		}
		if dims := e.inner.Config().Dimensions; dims > 0 && len(vec) != dims {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), dims)
		}
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("embedding text: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
