// Package queue runs named work queues on top of the job table: each queue
// has its own worker pool, concurrency cap, retry budget and backoff.
package queue

import (
	"fmt"
	"time"
)

// Queue names.
const (
	Transcription = "transcription"
	Translation   = "translation"
	Synthesis     = "synthesis"
	Assistance    = "assistance"
	Ingest        = "ingest"
	Maintenance   = "maintenance"
)

const (
	defaultVisibility = 2 * time.Minute
	defaultPoll       = 500 * time.Millisecond
)

// Backoff is an exponential retry delay: Base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the retry that follows attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Config describes one named queue.
type Config struct {
	Name        string
	Concurrency int
	MaxAttempts int
	Backoff     Backoff
	// Visibility is how long a lease lasts before another worker may take
	// the job over.
	Visibility time.Duration
	// Timeout bounds a single handler run. It is capped below Visibility so
	// a handler gives up before its lease can be taken over.
	Timeout time.Duration
	Poll    time.Duration
	// Exclusive makes Concurrency a cap across every process sharing the
	// job table, not just this one.
	Exclusive bool
}

// Validate rejects configurations the worker pool cannot run.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("queue %s: concurrency must be >= 1, got %d", c.Name, c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("queue %s: max attempts must be >= 1, got %d", c.Name, c.MaxAttempts)
	}
	if c.Backoff.Base < 0 || c.Backoff.Max < 0 {
		return fmt.Errorf("queue %s: negative backoff", c.Name)
	}
	return nil
}

// normalize fills unset durations and pins the synthesis queue to a single
// system-wide worker: the speech model behind it is not safe for concurrent use.
func (c Config) normalize() Config {
	if c.Visibility <= 0 {
		c.Visibility = defaultVisibility
	}
	if ceiling := c.timeoutCeiling(); c.Timeout <= 0 || c.Timeout > ceiling {
		c.Timeout = ceiling
	}
	if c.Poll <= 0 {
		c.Poll = defaultPoll
	}
	if c.Name == Synthesis {
		c.Concurrency = 1
		c.Exclusive = true
	}
	return c
}

// timeoutCeiling is 90% of Visibility.
func (c Config) timeoutCeiling() time.Duration {
	return c.Visibility - c.Visibility/10
}

// Defaults returns the built-in configuration of every queue.
func Defaults() []Config {
	short := Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}
	return []Config{
		{Name: Transcription, Concurrency: 2, MaxAttempts: 3, Backoff: Backoff{Base: 2 * time.Second, Max: 10 * time.Minute}},
		{Name: Translation, Concurrency: 4, MaxAttempts: 3, Backoff: short},
		{Name: Synthesis, Concurrency: 1, MaxAttempts: 2, Backoff: Backoff{Base: 5 * time.Second, Max: 5 * time.Minute}, Exclusive: true},
		{Name: Assistance, Concurrency: 2, MaxAttempts: 3, Backoff: short},
		{Name: Ingest, Concurrency: 2, MaxAttempts: 3, Backoff: short},
		{Name: Maintenance, Concurrency: 1, MaxAttempts: 1, Backoff: short},
	}
}

// Default returns the built-in configuration of the named queue.
func Default(name string) (Config, bool) {
	for _, c := range Defaults() {
		if c.Name == name {
			return c, true
		}
	}
	return Config{}, false
}
