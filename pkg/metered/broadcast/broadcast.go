// Package broadcast is a metered fan-out channel: every subscriber gets its
// own copy of each message sent after it subscribed.
//
// Sends never block. Each subscriber buffers up to capacity copies; when a
// slow subscriber's buffer is full the oldest copy is evicted and the
// subscriber's next Recv reports a LaggedError before resuming. The gauge
// tracks the copies buffered across all subscribers.
package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/meteredchan/meteredchan/pkg/metered"
)

// ErrNoReceivers is returned by Send when nobody is subscribed.
var ErrNoReceivers = fmt.Errorf("no receivers: %w", metered.ErrClosed)

// LaggedError tells a subscriber how many messages it missed.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged by %d messages", e.Skipped)
}

type config struct {
	name   string
	total  metered.Counter
	logger metered.Logger
}

// Option configures a broadcast channel.
type Option func(*config)

// WithTotal counts every send that reached at least one subscriber.
func WithTotal(c metered.Counter) Option {
	return func(cfg *config) { cfg.total = c }
}

// WithLogger adds debug logging.
func WithLogger(l metered.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithName names the channel in log lines.
func WithName(name string) Option {
	return func(cfg *config) { cfg.name = name }
}

type shared[T any] struct {
	mu       sync.Mutex
	capacity int
	subs     map[*subscriber[T]]struct{}
	senders  int

	name   string
	gauge  metered.Gauge
	total  metered.Counter
	logger metered.Logger
}

type subscriber[T any] struct {
	buf    []T
	lagged uint64
	// notify holds at most one pending wake-up.
	notify chan struct{}
}

func (s *subscriber[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// New creates a broadcast channel whose subscribers each buffer up to
// capacity messages, and returns the first sender and subscriber.
func New[T any](capacity int, gauge metered.Gauge, opts ...Option) (*Sender[T], *Receiver[T], error) {
	if err := metered.ValidateCapacity(capacity); err != nil {
		return nil, nil, err
	}
	if gauge == nil {
		return nil, nil, metered.ErrNilGauge
	}

	cfg := config{logger: nopLogger{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &shared[T]{
		capacity: capacity,
		subs:     make(map[*subscriber[T]]struct{}),
		senders:  1,
		name:     cfg.name,
		gauge:    gauge,
		total:    cfg.total,
		logger:   cfg.logger,
	}
	tx := &Sender[T]{ch: c}
	return tx, tx.Subscribe(), nil
}

// Sender publishes to every current subscriber.
type Sender[T any] struct {
	ch     *shared[T]
	closed bool
	mu     sync.Mutex
}

// Send delivers a copy of v to every subscriber and returns how many got
// it. It fails with ErrNoReceivers when nobody is subscribed.
func (s *Sender[T]) Send(v T) (int, error) {
	if s.isClosed() {
		return 0, &metered.SendError[T]{Value: v, Err: metered.ErrClosed}
	}

	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.subs) == 0 {
		c.logger.Error("failed to broadcast value", "channel", c.name, "error", ErrNoReceivers)
		return 0, &metered.SendError[T]{Value: v, Err: ErrNoReceivers}
	}
	for sub := range c.subs {
		if len(sub.buf) == c.capacity {
			var zero T
			sub.buf[0] = zero
			sub.buf = sub.buf[1:]
			sub.lagged++
			c.gauge.Dec()
		}
		sub.buf = append(sub.buf, v)
		c.gauge.Inc()
		sub.wake()
	}
	if c.total != nil {
		c.total.Inc()
	}
	c.logger.Debug("value broadcasted successfully", "channel", c.name, "receivers", len(c.subs))
	return len(c.subs), nil
}

// Subscribe adds a receiver that sees every message sent from now on.
func (s *Sender[T]) Subscribe() *Receiver[T] {
	c := s.ch
	sub := &subscriber[T]{notify: make(chan struct{}, 1)}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	return &Receiver[T]{ch: c, sub: sub}
}

// ReceiverCount returns the number of live subscribers.
func (s *Sender[T]) ReceiverCount() int {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	return len(s.ch.subs)
}

// Clone returns another sender on the same channel.
func (s *Sender[T]) Clone() *Sender[T] {
	clone := &Sender[T]{ch: s.ch}
	if s.isClosed() {
		clone.closed = true
		return clone
	}
	s.ch.mu.Lock()
	s.ch.senders++
	s.ch.mu.Unlock()
	return clone
}

// Close releases this sender. Once every sender is closed, subscribers
// drain their buffers and then get metered.ErrClosed.
func (s *Sender[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders--
	if c.senders == 0 {
		for sub := range c.subs {
			sub.wake()
		}
	}
}

func (s *Sender[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Receiver is one subscriber. A Receiver is used by one goroutine at a time.
type Receiver[T any] struct {
	ch     *shared[T]
	sub    *subscriber[T]
	closed bool
}

// Recv returns the next message for this subscriber. After falling behind
// it first returns a *LaggedError, then continues with the oldest message
// still buffered. It returns metered.ErrClosed once every sender is closed
// and the buffer is drained.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	for {
		v, err := r.TryRecv()
		if err != metered.ErrEmpty {
			return v, err
		}
		select {
		case <-r.sub.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryRecv is Recv without waiting; it returns metered.ErrEmpty when
// nothing is buffered.
func (r *Receiver[T]) TryRecv() (T, error) {
	var zero T
	if r.closed {
		return zero, metered.ErrClosed
	}

	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := r.sub
	if sub.lagged > 0 {
		n := sub.lagged
		sub.lagged = 0
		return zero, &LaggedError{Skipped: n}
	}
	if len(sub.buf) > 0 {
		v := sub.buf[0]
		sub.buf[0] = zero
		sub.buf = sub.buf[1:]
		c.gauge.Dec()
		return v, nil
	}
	if c.senders == 0 {
		return zero, metered.ErrClosed
	}
	return zero, metered.ErrEmpty
}

// Len returns the number of messages buffered for this subscriber.
func (r *Receiver[T]) Len() int {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	return len(r.sub.buf)
}

// Close unsubscribes and discards anything still buffered.
func (r *Receiver[T]) Close() {
	if r.closed {
		return
	}
	r.closed = true

	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	for range r.sub.buf {
		c.gauge.Dec()
	}
	r.sub.buf = nil
	delete(c.subs, r.sub)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
