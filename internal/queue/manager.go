package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/storage"
	"github.com/panjf2000/ants/v2"
)

var ErrUnknownQueue = errors.New("unknown queue")

// JobStore abstracts the job table operations the manager needs.
type JobStore interface {
	EnqueueJob(job storage.Job) (string, error)
	LeaseNextJobCapped(queue, owner string, visibility time.Duration, maxLeased int) (*storage.Job, error)
	CompleteJob(id, owner string) error
	RetryJob(id, owner, errMsg string, runAfter time.Time) error
	FailJob(id, owner, errMsg string) error
	ReleaseJob(id, owner, errMsg string) error
}

// Handler executes one leased job. Returning an error marked with Terminal
// fails the job at once; any other error is retried with backoff until the
// queue's attempt budget is spent.
type Handler func(ctx context.Context, job storage.Job) error

// FailureHook runs once for a job that failed for good, after the failure
// has been recorded.
type FailureHook func(ctx context.Context, job storage.Job, cause error)

type worker struct {
	cfg      Config
	handler  Handler
	onFailed FailureHook
	pool     *ants.Pool
	slots    chan struct{}
}

// Manager owns one ants pool per declared queue and the dispatch loops that
// lease jobs into them.
type Manager struct {
	store  JobStore
	bus    events.Publisher
	logger *slog.Logger
	owner  string

	mu      sync.Mutex
	workers map[string]*worker
	started bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	running sync.WaitGroup

	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithOwner sets the lease owner prefix. Defaults to hostname:pid.
func WithOwner(owner string) Option {
	return func(m *Manager) { m.owner = owner }
}

// NewManager creates a Manager. bus may be nil, in which case no job.failed
// events are published.
func NewManager(store JobStore, bus events.Publisher, opts ...Option) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		store:   store,
		bus:     bus,
		logger:  slog.Default(),
		owner:   fmt.Sprintf("%s:%d", host, os.Getpid()),
		workers: make(map[string]*worker),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Declare registers a queue with its handler. onFailed may be nil. All
// queues must be declared before Start.
func (m *Manager) Declare(cfg Config, h Handler, onFailed FailureHook) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("queue %s: nil handler", cfg.Name)
	}
	cfg = cfg.normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("queue %s: declared after start", cfg.Name)
	}
	if _, dup := m.workers[cfg.Name]; dup {
		return fmt.Errorf("queue %s already declared", cfg.Name)
	}

	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return fmt.Errorf("queue %s: creating pool: %w", cfg.Name, err)
	}
	m.workers[cfg.Name] = &worker{
		cfg:      cfg,
		handler:  h,
		onFailed: onFailed,
		pool:     pool,
		slots:    make(chan struct{}, cfg.Concurrency),
	}
	return nil
}

// Config returns the effective configuration of a declared queue.
func (m *Manager) Config(name string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[name]
	if !ok {
		return Config{}, false
	}
	return w.cfg, true
}

// Queues lists declared queue names in sorted order.
func (m *Manager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewJob builds a pending job for queue with the queue's attempt budget.
// The caller persists it, either through Enqueue or inside its own
// transaction.
func (m *Manager) NewJob(queue, jobType string, payload any, dedupeKey string) (storage.Job, error) {
	cfg, ok := m.Config(queue)
	if !ok {
		return storage.Job{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding %s payload: %w", jobType, err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Type:        jobType,
		PayloadJSON: string(raw),
		DedupeKey:   dedupeKey,
		MaxAttempts: cfg.MaxAttempts,
	}, nil
}

// Enqueue adds a job to queue and returns its id. When dedupeKey matches a
// pending or running job, that job's id is returned instead.
func (m *Manager) Enqueue(queue, jobType string, payload any, dedupeKey string) (string, error) {
	job, err := m.NewJob(queue, jobType, payload, dedupeKey)
	if err != nil {
		return "", err
	}
	return m.store.EnqueueJob(job)
}

// Start launches a dispatch loop per declared queue.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("queue manager already started")
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, w := range m.workers {
		m.loops.Add(1)
		go m.dispatch(ctx, w)
		m.logger.Info("queue started", "queue", w.cfg.Name, "concurrency", w.cfg.Concurrency, "max_attempts", w.cfg.MaxAttempts)
	}
	return nil
}

// Stop stops leasing, waits for running handlers and releases the pools.
// Handlers see their context cancelled; a job whose handler fails after that
// is released back to its queue without spending an attempt.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.loops.Wait()
	m.running.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.pool.Release()
	}
}

// RunOnce leases and executes a single job of queue on the calling
// goroutine. Returns true if a job was processed, whatever its outcome.
func (m *Manager) RunOnce(ctx context.Context, queue string) (bool, error) {
	m.mu.Lock()
	w, ok := m.workers[queue]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	job, owner, err := m.lease(w)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	m.execute(ctx, w, *job, owner)
	return true, nil
}

func (m *Manager) dispatch(ctx context.Context, w *worker) {
	defer m.loops.Done()
	for {
		// A slot is taken before leasing, so leased jobs never outnumber
		// the pool.
		select {
		case <-ctx.Done():
			return
		case w.slots <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-w.slots
			return
		}

		job, owner, err := m.lease(w)
		if err != nil || job == nil {
			<-w.slots
			if err != nil {
				m.logger.Error("leasing job failed", "queue", w.cfg.Name, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.Poll):
			}
			continue
		}

		m.running.Add(1)
		j := *job
		err = w.pool.Submit(func() {
			defer func() {
				<-w.slots
				m.running.Done()
			}()
			m.execute(ctx, w, j, owner)
		})
		if err != nil {
			<-w.slots
			m.running.Done()
			m.logger.Error("submitting job to pool failed", "queue", w.cfg.Name, "job_id", j.ID, "error", err)
			if rerr := m.store.RetryJob(j.ID, owner, err.Error(), m.now()); rerr != nil {
				m.logger.Error("returning job to queue failed", "queue", w.cfg.Name, "job_id", j.ID, "error", rerr)
			}
		}
	}
}

func (m *Manager) lease(w *worker) (*storage.Job, string, error) {
	owner := m.owner + ":" + uuid.New().String()[:8]
	maxLeased := 0
	if w.cfg.Exclusive {
		maxLeased = w.cfg.Concurrency
	}
	job, err := m.store.LeaseNextJobCapped(w.cfg.Name, owner, w.cfg.Visibility, maxLeased)
	if err != nil {
		return nil, "", fmt.Errorf("leasing from %s: %w", w.cfg.Name, err)
	}
	return job, owner, nil
}

func (m *Manager) execute(ctx context.Context, w *worker, job storage.Job, owner string) {
	logger := m.logger.With("queue", w.cfg.Name, "job_id", job.ID, "type", job.Type, "attempt", job.Attempts)

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	err := invoke(runCtx, w.handler, job)
	cancel()

	if err == nil {
		if err := m.store.CompleteJob(job.ID, owner); err != nil {
			logger.Warn("completing job failed", "error", err)
		}
		return
	}

	// Interrupted by Stop or the caller: the job goes back untouched and the
	// attempt is not charged.
	if ctx.Err() != nil {
		logger.Info("job interrupted, returning to queue", "error", err)
		if rerr := m.store.ReleaseJob(job.ID, owner, "interrupted: "+err.Error()); rerr != nil {
			logger.Warn("releasing interrupted job failed", "error", rerr)
		}
		return
	}

	terminal := IsTerminal(err)
	if !terminal && job.Attempts < job.MaxAttempts {
		delay := w.cfg.Backoff.Delay(job.Attempts)
		logger.Warn("job failed, retrying", "error", err, "delay", delay)
		if rerr := m.store.RetryJob(job.ID, owner, err.Error(), m.now().Add(delay)); rerr != nil {
			logger.Warn("scheduling retry failed", "error", rerr)
		}
		return
	}

	logger.Error("job failed", "error", err, "terminal", terminal)
	if ferr := m.store.FailJob(job.ID, owner, err.Error()); ferr != nil {
		// Another worker took the lease over; the failure is theirs to record.
		logger.Warn("recording job failure failed", "error", ferr)
		return
	}

	hookCtx := context.WithoutCancel(ctx)
	if w.onFailed != nil {
		w.onFailed(hookCtx, job, err)
	}
	if m.bus != nil {
		if perr := m.bus.Publish(hookCtx, events.TopicJobFailed, map[string]any{
			"queue":    w.cfg.Name,
			"job_id":   job.ID,
			"type":     job.Type,
			"attempts": job.Attempts,
			"error":    err.Error(),
			"terminal": terminal,
		}); perr != nil {
			logger.Warn("publishing job failure failed", "error", perr)
		}
	}
}

func invoke(ctx context.Context, h Handler, job storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
