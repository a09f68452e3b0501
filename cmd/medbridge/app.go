package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kalambet/medbridge/internal/cache"
	"github.com/kalambet/medbridge/internal/composer"
	"github.com/kalambet/medbridge/internal/config"
	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/ingest"
	"github.com/kalambet/medbridge/internal/maintenance"
	"github.com/kalambet/medbridge/internal/pipeline"
	"github.com/kalambet/medbridge/internal/queue"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

// app holds every long-lived component of a running server.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store       *storage.Store
	blobs       *storage.Blobs
	collections *retrieval.SQLiteStore
	provider    *engine.Provider
	aggregator  *retrieval.Aggregator
	bus         events.Bus
	imports     *events.ImportTracker
	jobs        *queue.Manager
	pipeline    *pipeline.Pipeline
	ingest      *ingest.Service
	cleaner     *maintenance.Cleaner

	closers []func() error
}

// newApp builds and wires the components. Nothing runs until start. role
// ("serve" or "mcp") keeps the event consumers of the two process kinds apart.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, role string) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = storage.Open(cfg.Storage.DataDir); err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	if a.blobs, err = storage.OpenBlobs(filepath.Join(cfg.Storage.DataDir, "blobs")); err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	if a.provider, err = engine.New(cfg.Engine()); err != nil {
		return nil, err
	}
	if err := engine.EnsureReady(ctx, a.provider.Backend, cfg.Provider.ChatModel, cfg.Provider.EmbedModel, os.Stderr); err != nil {
		return nil, err
	}

	var transcriber engine.Transcriber
	var synthesizer engine.Synthesizer
	if cfg.Speech.TranscribeURL != "" || cfg.Speech.SynthesizeURL != "" {
		speech := engine.NewSpeechClient(cfg.Speech.TranscribeURL, cfg.Speech.SynthesizeURL, cfg.Speech.TranscribeModel)
		if cfg.Speech.TranscribeURL != "" {
			transcriber = speech
		}
		if cfg.Speech.SynthesizeURL != "" {
			synthesizer = speech
		}
	}

	a.bus, err = newBus(ctx, cfg.Events, role, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.bus.Close)
	a.imports = events.NewImportTracker()
	if err := a.bus.Subscribe("#", events.AuditLogger(logger.With("component", "events"))); err != nil {
		return nil, err
	}
	for _, pattern := range []string{"dataset.#", events.TopicCollectionDeleted} {
		if err := a.bus.Subscribe(pattern, a.imports.Handle); err != nil {
			return nil, err
		}
	}

	var textCache pipeline.Cache
	if cfg.Cache.Enabled {
		c, err := cache.Open(filepath.Join(cfg.Storage.DataDir, "cache"), cfg.Cache.InMemory, cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		a.closers = append(a.closers, c.Close)
		textCache = c
	}

	embedder := retrieval.NewEmbedder(a.provider)
	a.collections = retrieval.NewSQLiteStore(a.store.DB())
	a.collections.SetPublisher(a.bus)
	a.aggregator = retrieval.NewAggregator(a.collections, embedder, a.bus, cfg.RetrievalOptions())
	a.aggregator.SetLogger(logger.With("component", "retrieval"))

	a.jobs = queue.NewManager(a.store, a.bus, queue.WithLogger(logger.With("component", "queue")))

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Store:       a.store,
		Blobs:       a.blobs,
		Jobs:        a.jobs,
		Bus:         a.bus,
		Generator:   a.provider,
		Transcriber: transcriber,
		Synthesizer: synthesizer,
		Retriever:   a.aggregator,
		Composer:    composer.New(cfg.Retrieval.ContextTokens),
		Cache:       textCache,
	},
		pipeline.WithLogger(logger.With("component", "pipeline")),
		pipeline.WithLanguages(cfg.Languages),
		pipeline.WithTopK(cfg.Retrieval.TopK),
	)
	if err != nil {
		return nil, err
	}

	queues := cfg.QueueConfigs()
	if err := a.pipeline.Register(a.jobs, queues); err != nil {
		return nil, fmt.Errorf("registering pipeline queues: %w", err)
	}

	a.ingest = ingest.NewService(a.collections, embedder, a.jobs, a.bus, ingest.WithLogger(logger.With("component", "ingest")))
	if err := a.ingest.Register(a.jobs, queues[queue.Ingest]); err != nil {
		return nil, fmt.Errorf("registering ingest queue: %w", err)
	}

	a.cleaner = maintenance.New(a.store, a.blobs,
		maintenance.WithLogger(logger.With("component", "maintenance")),
		maintenance.WithRetention(cfg.Maintenance.Retention),
	)
	if err := a.cleaner.Register(a.jobs, queues[queue.Maintenance]); err != nil {
		return nil, fmt.Errorf("registering maintenance queue: %w", err)
	}

	return a, nil
}

func newBus(ctx context.Context, cfg config.EventsConfig, role string, logger *slog.Logger) (events.Bus, error) {
	opts := []events.Option{events.WithLogger(logger.With("component", "bus"))}
	switch cfg.Backend {
	case "redis":
		group := cfg.ConsumerGroup
		if group == "" {
			host, _ := os.Hostname()
			group = cfg.ChannelPrefix + "." + host + "." + role
		}
		bus, err := events.NewRedisBus(ctx, events.RedisConfig{
			Addr:   cfg.RedisAddr,
			Prefix: cfg.ChannelPrefix + ".",
			Group:  group,
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return bus, nil
	default:
		return events.NewLocalBus(opts...), nil
	}
}

// start runs the event bus, the queue workers and, when workers is set,
// the periodic cleanup.
func (a *app) start(ctx context.Context, workers bool) error {
	if err := a.bus.Start(ctx); err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	if !workers {
		return nil
	}
	if err := a.jobs.Start(ctx); err != nil {
		return fmt.Errorf("starting queues: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.jobs.Stop()
		return nil
	})
	go maintenance.Schedule(ctx, a.jobs, a.cfg.Maintenance.Interval, a.logger.With("component", "maintenance"))
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
