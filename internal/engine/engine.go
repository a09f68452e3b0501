// Package engine holds the model capabilities the pipeline consumes:
// generation, embedding, transcription and speech synthesis. Backends are a
// closed set (Ollama and OpenAI-compatible APIs) selected once at startup.
package engine

import (
	"context"
	"errors"
)

// ErrUnsupported is returned when a backend lacks an operation.
var ErrUnsupported = errors.New("operation not supported by backend")

// Backend is a model server.
type Backend interface {
	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error)

	// Embed returns the embedding vector of text. dims > 0 asks the backend
	// for a shortened vector where it supports that.
	Embed(ctx context.Context, model, text string, dims int) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	ListModels(ctx context.Context) ([]string, error)
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Embedder turns text into a vector of the dimensionality in its Config.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Config() EmbeddingConfig
}

// Transcriber turns recorded speech into text. language is an ISO-639 hint
// and may be empty.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Synthesizer turns text into audio. Implementations are not assumed to be
// safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language, voice string) ([]byte, error)
}

// EmbeddingConfig identifies an embedding space. Vectors are comparable
// only when both sides have compatible configs.
type EmbeddingConfig struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// Compatible reports whether vectors from c and o live in the same space.
// Equal dimensions alone are not enough: two models of the same width embed
// differently.
func (c EmbeddingConfig) Compatible(o EmbeddingConfig) bool {
	return c.Provider == o.Provider && c.Model == o.Model && c.Dimensions == o.Dimensions
}
