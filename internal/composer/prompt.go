// Package composer turns retrieved context into bounded prompts for the
// generation provider.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/medbridge/internal/retrieval"
)

const defaultMaxContextTokens = 2000

// Composer assembles prompts from retrieved chunks and the text to work on.
// Injected context is bounded by MaxContextTokens.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (2000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// ContextWindow renders chunks best-first until the token budget is spent.
// A chunk that does not fit is skipped so a smaller, lower-scoring one may
// still be included. The result is empty when no chunk fits.
func (c *Composer) ContextWindow(chunks []retrieval.ScoredChunk) string {
	if len(chunks) == 0 {
		return ""
	}

	sorted := make([]retrieval.ScoredChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	remaining := c.MaxContextTokens
	var sb strings.Builder
	for _, ch := range sorted {
		entry := formatChunk(ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}
	return strings.TrimSpace(sb.String())
}

func formatChunk(ch retrieval.ScoredChunk) string {
	source := ch.CollectionName
	if ch.Name != "" {
		source += ": " + ch.Name
	}
	return fmt.Sprintf("(Relevance: %.2f, Source: %s)\n%s\n\n", ch.Score, source, ch.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
