// Package config loads medbridge settings from defaults, a JSON config file,
// an optional .env file, MEDBRIDGE_* environment variables and the secrets
// file, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/queue"
	"github.com/kalambet/medbridge/internal/retrieval"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Provider    ProviderConfig
	OpenAI      OpenAIConfig
	Speech      SpeechConfig
	Queues      map[string]QueueConfig
	Retrieval   RetrievalConfig
	Events      EventsConfig
	Cache       CacheConfig
	Maintenance MaintenanceConfig
	Languages   []string
	Log         LogConfig
	API         APIConfig
}

type ServerConfig struct {
	Port int
	Bind string
}

type StorageConfig struct {
	DataDir string
}

type ProviderConfig struct {
	Name        string
	BaseURL     string
	ChatModel   string
	EmbedModel  string
	EmbedDims   int
	Temperature float64
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type SpeechConfig struct {
	TranscribeURL   string
	TranscribeModel string
	SynthesizeURL   string
	Voice           string
}

type QueueConfig struct {
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Visibility  time.Duration
}

type RetrievalConfig struct {
	TopK          int
	MinScore      float64
	MaxLinked     int
	Timeout       time.Duration
	ContextTokens int
}

type EventsConfig struct {
	Backend       string // "local" or "redis"
	RedisAddr     string
	ChannelPrefix string
	// ConsumerGroup names the durable Redis consumer group. Empty derives
	// one from the host and the process role.
	ConsumerGroup string
}

type CacheConfig struct {
	Enabled  bool
	TTL      time.Duration
	InMemory bool
}

type MaintenanceConfig struct {
	Retention time.Duration
	Interval  time.Duration
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	queues := make(map[string]QueueConfig)
	for _, q := range queue.Defaults() {
		queues[q.Name] = QueueConfig{
			Concurrency: q.Concurrency,
			MaxAttempts: q.MaxAttempts,
			BackoffBase: q.Backoff.Base,
			BackoffMax:  q.Backoff.Max,
			Visibility:  2 * time.Minute,
		}
	}
	ropts := retrieval.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Port: 4100,
			Bind: "127.0.0.1",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Provider: ProviderConfig{
			Name:        engine.ProviderOllama,
			BaseURL:     "http://localhost:11434",
			ChatModel:   "aya-expanse:8b",
			EmbedModel:  "nomic-embed-text",
			EmbedDims:   768,
			Temperature: 0.2,
		},
		Queues: queues,
		Retrieval: RetrievalConfig{
			TopK:          ropts.TopK,
			MinScore:      float64(ropts.MinScore),
			MaxLinked:     ropts.MaxLinked,
			Timeout:       ropts.Timeout,
			ContextTokens: 2000,
		},
		Events: EventsConfig{
			Backend:       "local",
			RedisAddr:     "localhost:6379",
			ChannelPrefix: appName,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
		Maintenance: MaintenanceConfig{
			Retention: 30 * 24 * time.Hour,
			Interval:  24 * time.Hour,
		},
		Languages: []string{"en", "zu", "xh", "af", "st", "tn", "ts", "ss", "ve", "nr", "nso", "fr", "pt", "es"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads configuration in this order, later sources winning:
// defaults, the JSON config file ($XDG_CONFIG_HOME/medbridge/config.json),
// a .env file in the working directory, MEDBRIDGE_* environment variables,
// and for secrets not set in the environment, the secrets file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), NewSecretStore(), ".env")
}

func loadWith(b ConfigBackend, secrets SecretStore, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	// godotenv never overrides variables already set in the environment.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	applyEnvOverrides(&cfg)

	if err := applySecrets(&cfg, secrets); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	for name, q := range c.Queues {
		if q.Concurrency < 1 {
			errs = append(errs, fmt.Errorf("queue.%s.concurrency must be >= 1, got %d", name, q.Concurrency))
		}
		if q.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("queue.%s.max_attempts must be >= 1, got %d", name, q.MaxAttempts))
		}
	}
	switch c.Provider.Name {
	case engine.ProviderOllama:
	case engine.ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable MEDBRIDGE_OPENAI_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.name must be %s or %s, got %q", engine.ProviderOllama, engine.ProviderOpenAI, c.Provider.Name))
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		errs = append(errs, fmt.Errorf("provider.temperature must be within [0, 2], got %g", c.Provider.Temperature))
	}
	if c.Provider.EmbedDims < 1 {
		errs = append(errs, fmt.Errorf("provider.embed_dims must be >= 1, got %d", c.Provider.EmbedDims))
	}
	switch c.Events.Backend {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("events.backend must be local or redis, got %q", c.Events.Backend))
	}
	if len(c.Languages) == 0 {
		errs = append(errs, fmt.Errorf("languages must not be empty"))
	}
	return errors.Join(errs...)
}

// QueueConfigs returns the queue manager configuration of every queue. The
// synthesis queue is pinned to one worker by the queue package regardless
// of the configured concurrency.
func (c Config) QueueConfigs() map[string]queue.Config {
	out := make(map[string]queue.Config, len(c.Queues))
	for name, q := range c.Queues {
		qc, _ := queue.Default(name)
		qc.Name = name
		qc.Concurrency = q.Concurrency
		qc.MaxAttempts = q.MaxAttempts
		qc.Backoff = queue.Backoff{Base: q.BackoffBase, Max: q.BackoffMax}
		qc.Visibility = q.Visibility
		out[name] = qc
	}
	return out
}

// Engine returns the model provider configuration.
func (c Config) Engine() engine.Config {
	ec := engine.Config{
		Provider:    c.Provider.Name,
		BaseURL:     c.Provider.BaseURL,
		ChatModel:   c.Provider.ChatModel,
		EmbedModel:  c.Provider.EmbedModel,
		EmbedDims:   c.Provider.EmbedDims,
		Temperature: c.Provider.Temperature,
	}
	if c.Provider.Name == engine.ProviderOpenAI {
		ec.APIKey = c.OpenAI.APIKey
		ec.BaseURL = c.OpenAI.BaseURL
	}
	return ec
}

// RetrievalOptions returns the aggregator bounds.
func (c Config) RetrievalOptions() retrieval.Options {
	return retrieval.Options{
		TopK:      c.Retrieval.TopK,
		MinScore:  float32(c.Retrieval.MinScore),
		MaxLinked: c.Retrieval.MaxLinked,
		Timeout:   c.Retrieval.Timeout,
	}
}

// BaseURL is where the HTTP API of a local server listens.
func (c Config) BaseURL() string {
	host := c.Server.Bind
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
