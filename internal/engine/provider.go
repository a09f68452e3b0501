package engine

import (
	"context"
	"fmt"
)

// Provider names accepted by New.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config selects and configures a backend.
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	ChatModel   string
	EmbedModel  string
	EmbedDims   int
	// Temperature for generation; 0 keeps the backend default.
	Temperature float64
}

// Provider binds a Backend to the configured models and exposes them as the
// Generator and Embedder capabilities.
type Provider struct {
	Backend Backend
	name    string
	chat    string
	embed   EmbeddingConfig
	opts    ChatOptions
}

var (
	_ Generator = (*Provider)(nil)
	_ Embedder  = (*Provider)(nil)
)

// New builds the Provider named by cfg.Provider.
func New(cfg Config) (*Provider, error) {
	var b Backend
	switch cfg.Provider {
	case "", ProviderOllama:
		cfg.Provider = ProviderOllama
		b = NewOllama(cfg.BaseURL)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		b = NewOpenAI(cfg.APIKey, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown provider %q (want %s or %s)", cfg.Provider, ProviderOllama, ProviderOpenAI)
	}
	p := NewProvider(cfg.Provider, b, cfg.ChatModel, EmbeddingConfig{
		Provider:   cfg.Provider,
		Model:      cfg.EmbedModel,
		Dimensions: cfg.EmbedDims,
	})
	p.opts.Temperature = cfg.Temperature
	return p, nil
}

// NewProvider wraps an existing backend.
func NewProvider(name string, b Backend, chatModel string, embed EmbeddingConfig) *Provider {
	return &Provider{Backend: b, name: name, chat: chatModel, embed: embed}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, messages []Message) (string, error) {
	return p.Backend.Chat(ctx, p.chat, messages, p.opts)
}

// Embed embeds text and checks the vector against the configured width.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.Backend.Embed(ctx, p.embed.Model, text, p.embed.Dimensions)
	if err != nil {
		return nil, err
	}
	if p.embed.Dimensions > 0 && len(vec) != p.embed.Dimensions {
		return nil, fmt.Errorf("embedding model %s returned %d dimensions, configured %d", p.embed.Model, len(vec), p.embed.Dimensions)
	}
	return vec, nil
}

func (p *Provider) Config() EmbeddingConfig { return p.embed }

// ChatModel returns the generation model name.
func (p *Provider) ChatModel() string { return p.chat }
