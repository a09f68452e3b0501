package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/medbridge/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	payload map[string]any
}

type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{topic: topic, payload: payload})
	return nil
}

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestManager_CompletesJob(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, nil)

	var got storage.Job
	require.NoError(t, m.Declare(Config{Name: Translation, Concurrency: 2, MaxAttempts: 3}, func(ctx context.Context, job storage.Job) error {
		got = job
		return nil
	}, nil))

	id, err := m.Enqueue(Translation, "translating", map[string]string{"message_id": "m1"}, "m1:translating")
	require.NoError(t, err)

	ok, err := m.RunOnce(context.Background(), Translation)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, id, got.ID)
	assert.JSONEq(t, `{"message_id":"m1"}`, got.PayloadJSON)
	assert.Equal(t, 3, got.MaxAttempts)

	j, err := store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, j.Status)

	ok, err = m.RunOnce(context.Background(), Translation)
	require.NoError(t, err)
	assert.False(t, ok, "queue should be empty")
}

func TestManager_TerminalErrorFailsOnFirstAttempt(t *testing.T) {
	store := openTestStore(t)
	bus := &recordingBus{}
	m := NewManager(store, bus)

	var hookCalls atomic.Int32
	var calls atomic.Int32
	require.NoError(t, m.Declare(Config{Name: Translation, Concurrency: 1, MaxAttempts: 3}, func(ctx context.Context, job storage.Job) error {
		calls.Add(1)
		return Terminal(errors.New("empty text"))
	}, func(ctx context.Context, job storage.Job, cause error) {
		hookCalls.Add(1)
		assert.True(t, IsTerminal(cause))
	}))

	id, err := m.Enqueue(Translation, "translating", nil, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.RunOnce(context.Background(), Translation)
		require.NoError(t, err)
	}

	j, err := store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, "empty text", j.LastError)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.Equal(t, 1, bus.count("job.failed"))
}

func TestManager_TransientErrorRetriesUntilExhausted(t *testing.T) {
	store := openTestStore(t)
	bus := &recordingBus{}
	m := NewManager(store, bus)

	var hookCalls atomic.Int32
	require.NoError(t, m.Declare(Config{Name: Transcription, Concurrency: 1, MaxAttempts: 3}, func(ctx context.Context, job storage.Job) error {
		return context.DeadlineExceeded
	}, func(ctx context.Context, job storage.Job, cause error) {
		hookCalls.Add(1)
		assert.False(t, IsTerminal(cause))
	}))

	id, err := m.Enqueue(Transcription, "transcribing", nil, "")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		ok, err := m.RunOnce(context.Background(), Transcription)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should lease the job", attempt)

		j, err := store.GetJob(id)
		require.NoError(t, err)
		assert.Equal(t, attempt, j.Attempts)
		if attempt < 3 {
			assert.Equal(t, storage.JobPending, j.Status)
		} else {
			assert.Equal(t, storage.JobFailed, j.Status)
		}
	}

	ok, err := m.RunOnce(context.Background(), Transcription)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.Equal(t, 1, bus.count("job.failed"))
}

// TestManager_StopReleasesRunningJob stops the manager while the only
// attempt of a job is running: the job must return to the queue with its
// attempt refunded, not fail.
func TestManager_StopReleasesRunningJob(t *testing.T) {
	store := openTestStore(t)
	bus := &recordingBus{}
	m := NewManager(store, bus)

	started := make(chan struct{})
	var calls, hookCalls atomic.Int32
	require.NoError(t, m.Declare(Config{Name: Translation, Concurrency: 1, MaxAttempts: 1, Poll: 5 * time.Millisecond}, func(ctx context.Context, job storage.Job) error {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, func(ctx context.Context, job storage.Job, cause error) {
		hookCalls.Add(1)
	}))

	id, err := m.Enqueue(Translation, "translating", nil, "")
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	m.Stop()

	j, err := store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Contains(t, j.LastError, "interrupted")
	assert.Equal(t, int32(0), hookCalls.Load())
	assert.Equal(t, 0, bus.count("job.failed"))

	// A fresh manager picks the job up with its full budget.
	next := NewManager(store, bus)
	require.NoError(t, next.Declare(Config{Name: Translation, Concurrency: 1, MaxAttempts: 1}, func(ctx context.Context, job storage.Job) error {
		calls.Add(1)
		return nil
	}, nil))
	ok, err := next.RunOnce(context.Background(), Translation)
	require.NoError(t, err)
	require.True(t, ok)

	j, err = store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestManager_HandlerTimeoutStillCounts(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, nil)

	require.NoError(t, m.Declare(Config{Name: Assistance, Concurrency: 1, MaxAttempts: 1, Timeout: 10 * time.Millisecond}, func(ctx context.Context, job storage.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil))
	id, err := m.Enqueue(Assistance, "assist", nil, "")
	require.NoError(t, err)

	_, err = m.RunOnce(context.Background(), Assistance)
	require.NoError(t, err)

	j, err := store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, j.Status, "a handler timing out is a real failure")
}

func TestManager_RetryWaitsForBackoff(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, nil)

	require.NoError(t, m.Declare(Config{Name: Assistance, Concurrency: 1, MaxAttempts: 3, Backoff: Backoff{Base: time.Hour}}, func(ctx context.Context, job storage.Job) error {
		return errors.New("rate limited")
	}, nil))
	_, err := m.Enqueue(Assistance, "assist", nil, "")
	require.NoError(t, err)

	ok, err := m.RunOnce(context.Background(), Assistance)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.RunOnce(context.Background(), Assistance)
	require.NoError(t, err)
	assert.False(t, ok, "retried job must wait out its backoff")
}

func TestManager_HandlerPanicIsRetried(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, nil)

	require.NoError(t, m.Declare(Config{Name: Ingest, Concurrency: 1, MaxAttempts: 2}, func(ctx context.Context, job storage.Job) error {
		panic("nil map")
	}, nil))
	id, err := m.Enqueue(Ingest, "document", nil, "")
	require.NoError(t, err)

	_, err = m.RunOnce(context.Background(), Ingest)
	require.NoError(t, err)

	j, err := store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, j.Status)
	assert.Contains(t, j.LastError, "handler panic")
}

// TestManager_SynthesisConcurrencyCap bursts 10 synthesis jobs and samples
// the lease table while the pool drains them.
func TestManager_SynthesisConcurrencyCap(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, nil)

	var active, maxActive atomic.Int32
	require.NoError(t, m.Declare(Config{Name: Synthesis, Concurrency: 4, MaxAttempts: 2, Poll: 5 * time.Millisecond}, func(ctx context.Context, job storage.Job) error {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil
	}, nil))

	for i := 0; i < 10; i++ {
		_, err := m.Enqueue(Synthesis, "synthesizing", map[string]int{"n": i}, "")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var maxLeased atomic.Int32
	sampleDone := make(chan struct{})
	go func() {
		defer close(sampleDone)
		for ctx.Err() == nil {
			n, err := store.CountLeased(Synthesis)
			if err == nil && int32(n) > maxLeased.Load() {
				maxLeased.Store(int32(n))
			}
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool {
		stats, err := store.QueueStats()
		if err != nil || len(stats) != 1 {
			return false
		}
		return stats[0].Completed == 10
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-sampleDone
	m.Stop()

	assert.LessOrEqual(t, maxLeased.Load(), int32(1), "synthesis queue held more than one lease")
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestManager_ParallelQueueRunsConcurrently(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, nil)

	var active, maxActive atomic.Int32
	release := make(chan struct{})
	require.NoError(t, m.Declare(Config{Name: Translation, Concurrency: 3, MaxAttempts: 1, Poll: 5 * time.Millisecond}, func(ctx context.Context, job storage.Job) error {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return nil
	}, nil))

	for i := 0; i < 5; i++ {
		_, err := m.Enqueue(Translation, "translating", map[string]int{"n": i}, "")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool { return maxActive.Load() == 3 }, 5*time.Second, 5*time.Millisecond)
	n, err := store.CountLeased(Translation)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	close(release)
	require.Eventually(t, func() bool {
		stats, _ := store.QueueStats()
		return len(stats) == 1 && stats[0].Completed == 5
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	m.Stop()
	assert.Equal(t, int32(3), maxActive.Load())
}

func TestManager_DeclareErrors(t *testing.T) {
	m := NewManager(openTestStore(t), nil)
	noop := func(context.Context, storage.Job) error { return nil }

	require.NoError(t, m.Declare(Config{Name: "q", Concurrency: 1, MaxAttempts: 1}, noop, nil))
	assert.Error(t, m.Declare(Config{Name: "q", Concurrency: 1, MaxAttempts: 1}, noop, nil))
	assert.Error(t, m.Declare(Config{Name: "r", Concurrency: 0, MaxAttempts: 1}, noop, nil))
	assert.Error(t, m.Declare(Config{Name: "s", Concurrency: 1, MaxAttempts: 1}, nil, nil))

	_, err := m.Enqueue("missing", "t", nil, "")
	assert.ErrorIs(t, err, ErrUnknownQueue)
	_, err = m.RunOnce(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.Equal(t, []string{"q"}, m.Queues())
}
