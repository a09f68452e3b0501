package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var _ Bus = (*RedisBus)(nil)

const (
	defaultStreamMaxLen = 100_000
	defaultClaimIdle    = 30 * time.Second
	readBlock           = 2 * time.Second
	readCount           = 64
	eventField          = "event"
)

// RedisBus carries events between processes on one Redis stream.
//
// Publish hands events to a local outbox that a flusher appends to the
// stream, so a Redis outage delays events instead of losing them. Every
// process reads the stream through a durable consumer group and acknowledges
// an entry only after each matching handler returned nil. Entries left
// unacknowledged, by a failing handler or a process that died mid-delivery,
// are claimed again once they have been idle for ClaimIdle.
type RedisBus struct {
	rdb             *goredis.Client
	stream          string
	group           string
	consumer        string
	maxLen          int64
	claimIdle       time.Duration
	maxRedeliveries int
	retryDelay      time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	subs    []*subscription
	started bool
	closed  bool

	outbox  *mailbox
	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	flushWG sync.WaitGroup
	readWG  sync.WaitGroup
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the stream key, e.g. "medbridge.".
	Prefix string
	// Group is the durable consumer group of this process. Processes in the
	// same group share its entries; a restarted process resumes where its
	// group stopped. Defaults to prefix+hostname.
	Group string
	// MaxLen trims the stream approximately. Zero means 100000 entries.
	MaxLen int64
	// ClaimIdle is how long an unacknowledged entry waits before it is
	// delivered again. Zero means 30s.
	ClaimIdle time.Duration
}

// NewRedisBus connects to Redis and verifies the connection with PING.
func NewRedisBus(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisBus, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
		// XREADGROUP blocks server side for readBlock.
		ReadTimeout: readBlock + 3*time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	host, _ := os.Hostname()
	group := cfg.Group
	if group == "" {
		group = cfg.Prefix + host
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = defaultClaimIdle
	}

	o := buildOptions(opts)
	return &RedisBus{
		rdb:             rdb,
		stream:          cfg.Prefix + "events",
		group:           group,
		consumer:        fmt.Sprintf("%s:%d", host, os.Getpid()),
		maxLen:          maxLen,
		claimIdle:       claimIdle,
		maxRedeliveries: o.maxRedeliveries,
		retryDelay:      o.retryDelay,
		logger:          o.logger.With("component", "redis_bus", "group", group),
		outbox:          newMailbox(),
		stop:            make(chan struct{}),
	}, nil
}

// Publish queues the event for the stream and returns at once.
func (b *RedisBus) Publish(_ context.Context, topic string, payload map[string]any) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	b.outbox.push(Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (b *RedisBus) Subscribe(pattern string, h Handler) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("nil handler for %q", pattern)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return fmt.Errorf("subscribe %q: %w", pattern, ErrAlreadyStarted)
	}
	b.subs = append(b.subs, &subscription{pattern: pattern, handler: h})
	return nil
}

// Start creates the consumer group if needed and runs the flusher and, when
// anything is subscribed, the reader. Both stop on Close.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return ErrAlreadyStarted
	}

	if len(b.subs) > 0 {
		err := b.rdb.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("creating consumer group %s: %w", b.group, err)
		}
	}

	b.started = true
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))

	b.flushWG.Add(1)
	go b.flush()
	if len(b.subs) > 0 {
		b.readWG.Add(1)
		go b.read()
	}
	return nil
}

// Close stops reading, flushes the outbox for up to five seconds and closes
// the connection. Events still queued after that are logged and dropped.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	if started {
		close(b.stop)
		b.readWG.Wait()
		b.outbox.close()
		b.flushWG.Wait()
		b.cancel()
	} else if n := b.outbox.len(); n > 0 {
		b.logger.Warn("bus closed before start, events dropped", "count", n)
	}
	return b.rdb.Close()
}

func (b *RedisBus) flush() {
	defer b.flushWG.Done()
	var deadline time.Time
	for {
		ev, ok := b.outbox.pop()
		if !ok {
			return
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			b.logger.Error("encoding event failed, dropping", "topic", ev.Topic, "event_id", ev.ID, "error", err)
			continue
		}
		delay := max(b.retryDelay, 100*time.Millisecond)
		for {
			err := b.append(raw)
			if err == nil {
				break
			}
			if b.stopping() {
				if deadline.IsZero() {
					deadline = time.Now().Add(5 * time.Second)
				}
				if time.Now().After(deadline) {
					b.logger.Error("dropping events, redis unreachable at shutdown", "pending", b.outbox.len()+1, "error", err)
					b.outbox.drain()
					return
				}
			}
			b.logger.Warn("appending event failed, retrying", "topic", ev.Topic, "event_id", ev.ID, "error", err)
			time.Sleep(delay)
			delay = min(delay*2, 5*time.Second)
		}
	}
}

func (b *RedisBus) stopping() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

func (b *RedisBus) append(raw []byte) error {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{eventField: raw},
	}).Err()
}

func (b *RedisBus) read() {
	defer b.readWG.Done()
	ticker := time.NewTicker(max(b.claimIdle/2, 10*time.Millisecond))
	defer ticker.Stop()

	// Entries a previous run of this group left unacknowledged come first.
	b.reclaim()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.reclaim()
		default:
		}

		streams, err := b.rdb.XReadGroup(b.ctx, &goredis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if b.stopping() {
				return
			}
			b.logger.Warn("reading stream failed", "error", err)
			select {
			case <-b.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				b.handle(msg)
			}
		}
	}
}

// reclaim takes over entries idle longer than claimIdle. Entries delivered
// more than maxRedeliveries times are acknowledged and dropped.
func (b *RedisBus) reclaim() {
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()

	pending, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: b.stream,
		Group:  b.group,
		Idle:   b.claimIdle,
		Start:  "-",
		End:    "+",
		Count:  readCount,
	}).Result()
	if err != nil {
		b.logger.Warn("listing pending entries failed", "error", err)
		return
	}
	for _, p := range pending {
		if p.RetryCount > int64(b.maxRedeliveries)+1 {
			b.logger.Error("event handler gave up", "entry_id", p.ID, "deliveries", p.RetryCount)
			if err := b.rdb.XAck(ctx, b.stream, b.group, p.ID).Err(); err != nil {
				b.logger.Warn("acknowledging entry failed", "entry_id", p.ID, "error", err)
			}
		}
	}

	msgs, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  b.claimIdle,
		Start:    "0-0",
		Count:    readCount,
	}).Result()
	if err != nil {
		b.logger.Warn("claiming pending entries failed", "error", err)
		return
	}
	for _, msg := range msgs {
		b.handle(msg)
	}
}

// handle runs every matching handler and acknowledges the entry when all of
// them succeeded. A failed entry stays pending for reclaim.
func (b *RedisBus) handle(msg goredis.XMessage) {
	ev, err := decodeEntry(msg)
	if err != nil {
		b.logger.Warn("bad stream entry, acknowledging", "entry_id", msg.ID, "error", err)
		b.ack(msg.ID)
		return
	}

	failed := false
	for _, sub := range b.subs {
		if !Match(sub.pattern, ev.Topic) {
			continue
		}
		if err := invoke(b.ctx, sub.handler, ev); err != nil {
			failed = true
			b.logger.Warn("event handler failed, leaving entry pending", "topic", ev.Topic, "pattern", sub.pattern, "event_id", ev.ID, "error", err)
		}
	}
	if !failed {
		b.ack(msg.ID)
	}
}

func (b *RedisBus) ack(id string) {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	if err := b.rdb.XAck(ctx, b.stream, b.group, id).Err(); err != nil {
		b.logger.Warn("acknowledging entry failed", "entry_id", id, "error", err)
	}
}

func decodeEntry(msg goredis.XMessage) (Event, error) {
	var raw string
	switch v := msg.Values[eventField].(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return Event{}, fmt.Errorf("missing %q field", eventField)
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, err
	}
	if err := validateTopic(ev.Topic); err != nil {
		return Event{}, err
	}
	return ev, nil
}
