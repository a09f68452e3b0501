package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that LocalBus implements Bus.
var _ Bus = (*LocalBus)(nil)

// LocalBus delivers events in-process. Each subscription owns an unbounded
// mailbox drained by its own goroutine, so Publish never waits on a handler
// and a slow subscriber never delays another.
type LocalBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	maxRedeliveries int
	retryDelay      time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

type subscription struct {
	pattern string
	handler Handler
	box     *mailbox
}

// Option configures a bus.
type Option func(*options)

type options struct {
	maxRedeliveries int
	retryDelay      time.Duration
	logger          *slog.Logger
}

// WithRedelivery sets how many times a failing handler is retried and the
// base delay between attempts (doubled each time).
func WithRedelivery(max int, delay time.Duration) Option {
	return func(o *options) {
		o.maxRedeliveries = max
		o.retryDelay = delay
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{maxRedeliveries: 3, retryDelay: 200 * time.Millisecond, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewLocalBus(opts ...Option) *LocalBus {
	o := buildOptions(opts)
	return &LocalBus{
		maxRedeliveries: o.maxRedeliveries,
		retryDelay:      o.retryDelay,
		logger:          o.logger,
		now:             time.Now,
	}
}

// Subscribe registers h for topics matching pattern. It must be called
// before Start.
func (b *LocalBus) Subscribe(pattern string, h Handler) error {
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
	b.subs = append(b.subs, &subscription{pattern: pattern, handler: h, box: newMailbox()})
	return nil
}

// Start launches one delivery goroutine per subscription. Events published
// before Start are buffered and delivered once it runs.
func (b *LocalBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, sub := range b.subs {
		b.wg.Add(1)
		go b.run(sub)
	}
	return nil
}

// Publish enqueues an event for every matching subscription and returns
// immediately.
func (b *LocalBus) Publish(_ context.Context, topic string, payload map[string]any) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	return b.dispatch(Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: b.now().UTC(),
	})
}

func (b *LocalBus) dispatch(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs {
		if Match(sub.pattern, ev.Topic) {
			sub.box.push(ev)
		}
	}
	return nil
}

// Close stops accepting events, waits for every mailbox to drain and then
// releases the delivery goroutines.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	for _, sub := range b.subs {
		sub.box.close()
	}
	b.mu.Unlock()

	if started {
		b.wg.Wait()
		b.cancel()
	}
	return nil
}

func (b *LocalBus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		ev, ok := sub.box.pop()
		if !ok {
			return
		}
		b.deliver(sub, ev)
	}
}

func (b *LocalBus) deliver(sub *subscription, ev Event) {
	delay := b.retryDelay
	for attempt := 0; ; attempt++ {
		err := invoke(b.ctx, sub.handler, ev)
		if err == nil {
			return
		}
		if attempt >= b.maxRedeliveries {
			b.logger.Error("event handler gave up", "topic", ev.Topic, "pattern", sub.pattern, "event_id", ev.ID, "attempts", attempt+1, "error", err)
			return
		}
		b.logger.Warn("event handler failed, redelivering", "topic", ev.Topic, "pattern", sub.pattern, "event_id", ev.ID, "attempt", attempt+1, "error", err)
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// mailbox is an unbounded FIFO with a blocking pop.
type mailbox struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev Event) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// drain discards everything queued.
func (m *mailbox) drain() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}

// pop blocks until an event is available. It returns false once the mailbox
// is closed and empty.
func (m *mailbox) pop() (Event, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			ev := m.items[0]
			m.items[0] = Event{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return ev, true
		}
		if m.closed {
			m.mu.Unlock()
			return Event{}, false
		}
		m.mu.Unlock()
		<-m.notify
	}
}
