package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// EnsureReady checks that the backend is reachable and the chat and embed
// models are available. Missing models are pulled where the backend
// supports it, with progress written to w.
func EnsureReady(ctx context.Context, b Backend, chatModel, embedModel string, w io.Writer) error {
	if !b.IsRunning(ctx) {
		return fmt.Errorf("model backend is not reachable; please ensure it is started")
	}

	models := make([]string, 0, 2)
	if chatModel != "" {
		models = append(models, chatModel)
	}
	if embedModel != "" && embedModel != chatModel {
		models = append(models, embedModel)
	}

	for _, model := range models {
		if b.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := b.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if errors.Is(err, ErrUnsupported) {
			return fmt.Errorf("model %s is not available on this backend", model)
		}
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	return nil
}
