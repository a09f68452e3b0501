// Package maintenance runs retention cleanup on the maintenance queue.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/medbridge/internal/queue"
	"github.com/kalambet/medbridge/internal/storage"
)

const (
	JobCleanup = "cleanup"

	// DefaultRetention is how long audio blobs and finished jobs are kept.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultInterval is how often serve schedules a cleanup.
	DefaultInterval = 24 * time.Hour
)

// Store is the persistence cleanup prunes.
type Store interface {
	ClearAudioRef(ref string) (int64, error)
	PurgeJobs(before time.Time) (int64, error)
}

// BlobStore lists and deletes stored audio.
type BlobStore interface {
	Expired(before time.Time) ([]string, error)
	Delete(ref string) error
}

type Enqueuer interface {
	Enqueue(queue, jobType string, payload any, dedupeKey string) (string, error)
}

type Declarer interface {
	Declare(cfg queue.Config, h queue.Handler, onFailed queue.FailureHook) error
}

// Report summarises one cleanup run.
type Report struct {
	BlobsDeleted int   `json:"blobs_deleted"`
	RefsCleared  int64 `json:"refs_cleared"`
	JobsPurged   int64 `json:"jobs_purged"`
}

type Cleaner struct {
	store     Store
	blobs     BlobStore
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Cleaner)

func WithLogger(l *slog.Logger) Option {
	return func(c *Cleaner) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(c *Cleaner) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) { c.now = now }
}

// New creates a Cleaner. blobs may be nil when audio is disabled.
func New(store Store, blobs BlobStore, opts ...Option) *Cleaner {
	c := &Cleaner{
		store:     store,
		blobs:     blobs,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run deletes blobs and finished jobs older than the retention period.
// Message references to deleted blobs are cleared first, so a message
// never points at a missing file for longer than one failed delete.
func (c *Cleaner) Run(ctx context.Context) (Report, error) {
	cutoff := c.now().Add(-c.retention)
	var rep Report

	if c.blobs != nil {
		refs, err := c.blobs.Expired(cutoff)
		if err != nil {
			return rep, fmt.Errorf("listing expired blobs: %w", err)
		}
		for _, ref := range refs {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			n, err := c.store.ClearAudioRef(ref)
			if err != nil {
				return rep, fmt.Errorf("clearing references to %s: %w", ref, err)
			}
			rep.RefsCleared += n
			if err := c.blobs.Delete(ref); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return rep, fmt.Errorf("deleting %s: %w", ref, err)
			}
			rep.BlobsDeleted++
		}
	}

	purged, err := c.store.PurgeJobs(cutoff)
	if err != nil {
		return rep, fmt.Errorf("purging jobs: %w", err)
	}
	rep.JobsPurged = purged

	c.logger.Info("cleanup finished", "blobs_deleted", rep.BlobsDeleted, "refs_cleared", rep.RefsCleared, "jobs_purged", rep.JobsPurged)
	return rep, nil
}

// Handle runs a cleanup job.
func (c *Cleaner) Handle(ctx context.Context, job storage.Job) error {
	if job.Type != JobCleanup {
		return queue.Terminal(fmt.Errorf("unknown maintenance job type %q", job.Type))
	}
	_, err := c.Run(ctx)
	return err
}

// Register declares the maintenance queue. A zero cfg uses the built-in one.
func (c *Cleaner) Register(m Declarer, cfg queue.Config) error {
	if cfg.Name == "" {
		cfg, _ = queue.Default(queue.Maintenance)
	}
	return m.Declare(cfg, c.Handle, nil)
}

// Schedule enqueues a cleanup job now and then every interval until ctx
// ends. A cleanup still pending is not queued twice.
func Schedule(ctx context.Context, jobs Enqueuer, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	enqueue := func() {
		if _, err := jobs.Enqueue(queue.Maintenance, JobCleanup, struct{}{}, JobCleanup); err != nil {
			logger.Warn("scheduling cleanup failed", "error", err)
		}
	}

	enqueue()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enqueue()
		}
	}
}
