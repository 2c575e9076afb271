package metered

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gauge is the occupancy metric bound to a channel. prometheus.Gauge
// satisfies it; implementations must be safe for concurrent use.
type Gauge interface {
	Inc()
	Dec()
}

// Counter counts committed sends. prometheus.Counter satisfies it.
type Counter interface {
	Inc()
}

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Option configures a channel at construction.
type Option func(*config)

type config struct {
	name   string
	total  Counter
	logger Logger
}

// WithTotal adds a counter incremented once per committed send.
func WithTotal(c Counter) Option {
	return func(cfg *config) {
		cfg.total = c
	}
}

// WithLogger adds debug logging of channel operations.
func WithLogger(l Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithName names the channel in log lines and Stats.
func WithName(name string) Option {
	return func(cfg *config) {
		cfg.name = name
	}
}

// New creates a channel holding at most capacity messages, bound to gauge.
// The gauge is not touched here; it moves only with committed sends and
// receives.
func New[T any](capacity int, gauge Gauge, opts ...Option) (*Sender[T], *Receiver[T], error) {
	if err := ValidateCapacity(capacity); err != nil {
		return nil, nil, err
	}
	if gauge == nil {
		return nil, nil, ErrNilGauge
	}

	cfg := config{logger: nopLogger{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	rxCtx, rxCancel := context.WithCancel(context.Background())
	c := &shared[T]{
		name:     cfg.name,
		capacity: capacity,
		buf:      make(chan T, capacity),
		slots:    semaphore.NewWeighted(int64(capacity)),
		gauge:    gauge,
		total:    cfg.total,
		logger:   cfg.logger,
		rxCtx:    rxCtx,
		rxCancel: rxCancel,
	}
	c.senders.Store(1)

	return &Sender[T]{ch: c}, &Receiver[T]{ch: c}, nil
}

// ValidateCapacity reports whether capacity is usable for New. Callers that
// register a metric per channel check it first so a bad capacity leaves
// nothing registered.
func ValidateCapacity(capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return nil
}

// shared is the state every handle of one channel points at.
//
// Admission goes through slots: a sender holds one slot from acquire until
// the receiver dequeues its message, so buf never holds more than capacity
// values and a push with a slot in hand never blocks.
type shared[T any] struct {
	name     string
	capacity int
	buf      chan T
	slots    *semaphore.Weighted

	gauge  Gauge
	total  Counter
	logger Logger

	senders  atomic.Int64
	sent     atomic.Uint64
	received atomic.Uint64

	// mu orders pushes against close(buf); pushes hold it for reading.
	mu       sync.RWMutex
	txClosed bool

	// rxCtx is cancelled when the receiver closes.
	rxCtx    context.Context
	rxCancel context.CancelFunc
}

// acquire takes one slot, waiting until one frees up, ctx ends, or the
// receiver goes away.
func (c *shared[T]) acquire(ctx context.Context) error {
	if c.rxCtx.Err() != nil {
		return ErrClosed
	}
	if c.slots.TryAcquire(1) {
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.rxCtx, cancel)
	defer stop()

	if err := c.slots.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrClosed
	}
	return nil
}

// push commits v into the buffer. The caller must hold a slot, which it
// gives up to the message on success.
//
// The gauge moves before the value becomes visible to the receiver, so it
// never drops below zero and, bounded by the held slot, never exceeds
// capacity.
func (c *shared[T]) push(v T) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.txClosed || c.rxCtx.Err() != nil {
		return ErrClosed
	}
	c.gauge.Inc()
	c.buf <- v
	c.sent.Add(1)
	if c.total != nil {
		c.total.Inc()
	}
	return nil
}

// popped records a committed dequeue and frees the message's slot.
func (c *shared[T]) popped() {
	c.gauge.Dec()
	c.received.Add(1)
	c.slots.Release(1)
}

// releaseSender drops one sender reference, closing the buffer on the last.
func (c *shared[T]) releaseSender() {
	if c.senders.Add(-1) == 0 {
		c.closeTx()
	}
}

func (c *shared[T]) closeTx() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txClosed {
		return
	}
	c.txClosed = true
	close(c.buf)
	c.logger.Debug("all senders closed", "channel", c.name, "buffered", len(c.buf))
}
