package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/medbridge/internal/queue"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// Secret names in the secrets file.
const (
	secretAPIToken     = "api.token"
	secretOpenAIAPIKey = "openai.api_key"
)

var specs = append([]keySpec{
	{
		key: "server.port", typ: kInt, env: "MEDBRIDGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind", typ: kString, env: "MEDBRIDGE_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEDBRIDGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "provider.name", typ: kString, env: "MEDBRIDGE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Provider.Name = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Provider.Name },
	},
	{
		key: "provider.base_url", typ: kString, env: "MEDBRIDGE_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.chat_model", typ: kString, env: "MEDBRIDGE_PROVIDER_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.ChatModel },
	},
	{
		key: "provider.embed_model", typ: kString, env: "MEDBRIDGE_PROVIDER_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.EmbedModel },
	},
	{
		key: "provider.embed_dims", typ: kInt, env: "MEDBRIDGE_PROVIDER_EMBED_DIMS",
		apply:   func(cfg *Config, v any) { cfg.Provider.EmbedDims = v.(int) },
		extract: func(cfg Config) any { return cfg.Provider.EmbedDims },
	},
	{
		key: "provider.temperature", typ: kFloat, env: "MEDBRIDGE_PROVIDER_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Provider.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Provider.Temperature },
	},
	{
		key: secretOpenAIAPIKey, typ: kString, env: "MEDBRIDGE_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "MEDBRIDGE_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "speech.transcribe_url", typ: kString, env: "MEDBRIDGE_SPEECH_TRANSCRIBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Speech.TranscribeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.TranscribeURL },
	},
	{
		key: "speech.transcribe_model", typ: kString, env: "MEDBRIDGE_SPEECH_TRANSCRIBE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Speech.TranscribeModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.TranscribeModel },
	},
	{
		key: "speech.synthesize_url", typ: kString, env: "MEDBRIDGE_SPEECH_SYNTHESIZE_URL",
		apply:   func(cfg *Config, v any) { cfg.Speech.SynthesizeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.SynthesizeURL },
	},
	{
		key: "speech.voice", typ: kString, env: "MEDBRIDGE_SPEECH_VOICE",
		apply:   func(cfg *Config, v any) { cfg.Speech.Voice = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.Voice },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "MEDBRIDGE_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_score", typ: kFloat, env: "MEDBRIDGE_RETRIEVAL_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScore },
	},
	{
		key: "retrieval.max_linked", typ: kInt, env: "MEDBRIDGE_RETRIEVAL_MAX_LINKED",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxLinked = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxLinked },
	},
	{
		key: "retrieval.timeout", typ: kDuration, env: "MEDBRIDGE_RETRIEVAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.Timeout },
	},
	{
		key: "retrieval.context_tokens", typ: kInt, env: "MEDBRIDGE_RETRIEVAL_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ContextTokens },
	},
	{
		key: "events.backend", typ: kString, env: "MEDBRIDGE_EVENTS_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Events.Backend = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Events.Backend },
	},
	{
		key: "events.redis_addr", typ: kString, env: "MEDBRIDGE_EVENTS_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Events.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.RedisAddr },
	},
	{
		key: "events.channel_prefix", typ: kString, env: "MEDBRIDGE_EVENTS_CHANNEL_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Events.ChannelPrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.ChannelPrefix },
	},
	{
		key: "events.consumer_group", typ: kString, env: "MEDBRIDGE_EVENTS_CONSUMER_GROUP",
		apply:   func(cfg *Config, v any) { cfg.Events.ConsumerGroup = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.ConsumerGroup },
	},
	{
		key: "cache.enabled", typ: kBool, env: "MEDBRIDGE_CACHE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cache.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.Enabled },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "MEDBRIDGE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.in_memory", typ: kBool, env: "MEDBRIDGE_CACHE_IN_MEMORY",
		apply:   func(cfg *Config, v any) { cfg.Cache.InMemory = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.InMemory },
	},
	{
		key: "maintenance.retention", typ: kDuration, env: "MEDBRIDGE_MAINTENANCE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Maintenance.Retention },
	},
	{
		key: "maintenance.interval", typ: kDuration, env: "MEDBRIDGE_MAINTENANCE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Maintenance.Interval },
	},
	{
		key: "languages", typ: kList, env: "MEDBRIDGE_LANGUAGES",
		apply:   func(cfg *Config, v any) { cfg.Languages = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Languages, ",") },
	},
	{
		key: "log.level", typ: kString, env: "MEDBRIDGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: secretAPIToken, typ: kString, env: "MEDBRIDGE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}, queueSpecs()...)

// queueSpecs declares the queue.<name>.* keys of every built-in queue.
func queueSpecs() []keySpec {
	var out []keySpec
	for _, q := range queue.Defaults() {
		name := q.Name
		prefix := "queue." + name + "."
		env := "MEDBRIDGE_QUEUE_" + strings.ToUpper(name) + "_"
		update := func(cfg *Config, f func(*QueueConfig)) {
			qc := cfg.Queues[name]
			f(&qc)
			cfg.Queues[name] = qc
		}
		out = append(out,
			keySpec{
				key: prefix + "concurrency", typ: kInt, env: env + "CONCURRENCY",
				apply:   func(cfg *Config, v any) { update(cfg, func(q *QueueConfig) { q.Concurrency = v.(int) }) },
				extract: func(cfg Config) any { return cfg.Queues[name].Concurrency },
			},
			keySpec{
				key: prefix + "max_attempts", typ: kInt, env: env + "MAX_ATTEMPTS",
				apply:   func(cfg *Config, v any) { update(cfg, func(q *QueueConfig) { q.MaxAttempts = v.(int) }) },
				extract: func(cfg Config) any { return cfg.Queues[name].MaxAttempts },
			},
			keySpec{
				key: prefix + "backoff_base", typ: kDuration, env: env + "BACKOFF_BASE",
				apply:   func(cfg *Config, v any) { update(cfg, func(q *QueueConfig) { q.BackoffBase = v.(time.Duration) }) },
				extract: func(cfg Config) any { return cfg.Queues[name].BackoffBase },
			},
			keySpec{
				key: prefix + "backoff_max", typ: kDuration, env: env + "BACKOFF_MAX",
				apply:   func(cfg *Config, v any) { update(cfg, func(q *QueueConfig) { q.BackoffMax = v.(time.Duration) }) },
				extract: func(cfg Config) any { return cfg.Queues[name].BackoffMax },
			},
			keySpec{
				key: prefix + "visibility", typ: kDuration, env: env + "VISIBILITY",
				apply:   func(cfg *Config, v any) { update(cfg, func(q *QueueConfig) { q.Visibility = v.(time.Duration) }) },
				extract: func(cfg Config) any { return cfg.Queues[name].Visibility },
			},
		)
	}
	return out
}

// parseValue converts a raw string into the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets that the environment left empty.
func applySecrets(cfg *Config, secrets SecretStore) error {
	if secrets == nil {
		return nil
	}
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		v, err := secrets.Get(s.key)
		if err != nil {
			if errors.Is(err, ErrSecretNotFound) {
				continue
			}
			return fmt.Errorf("reading secret %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}
