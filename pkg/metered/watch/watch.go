// Package watch is a metered single-value channel: receivers observe the
// latest value and are told when it changes, never seeing history.
//
// The gauge counts receivers that have an update they have not yet seen.
package watch

import (
	"context"
	"sync"

	"github.com/meteredchan/meteredchan/pkg/metered"
)

type config struct {
	name   string
	total  metered.Counter
	logger metered.Logger
}

// Option configures a watch channel.
type Option func(*config)

// WithTotal counts every value sent.
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
	mu        sync.RWMutex
	value     T
	version   uint64
	receivers map[*Receiver[T]]struct{}
	txClosed  bool
	// changed is closed and replaced on every send and on close.
	changed chan struct{}

	name   string
	gauge  metered.Gauge
	total  metered.Counter
	logger metered.Logger
}

func (c *shared[T]) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// New creates a watch channel holding initial. The initial value counts as
// already seen by the returned receiver.
func New[T any](initial T, gauge metered.Gauge, opts ...Option) (*Sender[T], *Receiver[T], error) {
	if gauge == nil {
		return nil, nil, metered.ErrNilGauge
	}

	cfg := config{logger: nopLogger{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &shared[T]{
		value:     initial,
		receivers: make(map[*Receiver[T]]struct{}),
		changed:   make(chan struct{}),
		name:      cfg.name,
		gauge:     gauge,
		total:     cfg.total,
		logger:    cfg.logger,
	}
	rx := &Receiver[T]{ch: c}
	c.receivers[rx] = struct{}{}

	return &Sender[T]{ch: c}, rx, nil
}

// Sender replaces the watched value. There is one sender per channel.
type Sender[T any] struct {
	ch *shared[T]
}

// Send stores v and wakes every receiver. It fails with metered.ErrClosed
// when no receivers remain or the sender was closed; the value is not
// stored in that case.
func (s *Sender[T]) Send(v T) error {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.txClosed || len(c.receivers) == 0 {
		c.logger.Error("failed to send value", "channel", c.name, "error", metered.ErrClosed)
		return &metered.SendError[T]{Value: v, Err: metered.ErrClosed}
	}

	for rx := range c.receivers {
		if rx.seen == c.version {
			c.gauge.Inc()
		}
	}
	c.value = v
	c.version++
	c.notify()
	if c.total != nil {
		c.total.Inc()
	}
	c.logger.Debug("value sent successfully", "channel", c.name, "version", c.version)
	return nil
}

// Subscribe returns a receiver that has seen the current value.
func (s *Sender[T]) Subscribe() *Receiver[T] {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	rx := &Receiver[T]{ch: c, seen: c.version}
	c.receivers[rx] = struct{}{}
	return rx
}

// Borrow returns the current value.
func (s *Sender[T]) Borrow() T {
	s.ch.mu.RLock()
	defer s.ch.mu.RUnlock()
	return s.ch.value
}

// ReceiverCount returns the number of open receivers.
func (s *Sender[T]) ReceiverCount() int {
	s.ch.mu.RLock()
	defer s.ch.mu.RUnlock()
	return len(s.ch.receivers)
}

// Close stops the sender. Receivers keep the last value and Changed
// returns metered.ErrClosed once they have seen it.
func (s *Sender[T]) Close() {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txClosed {
		return
	}
	c.txClosed = true
	c.notify()
	c.logger.Debug("sender closed", "channel", c.name)
}

// Receiver observes the watched value. A Receiver is used by one goroutine
// at a time; Clone it for others.
type Receiver[T any] struct {
	ch *shared[T]
	// seen is the last version this receiver observed; guarded by ch.mu.
	seen   uint64
	closed bool
}

// Changed waits until a value newer than the last one seen arrives and
// marks it seen. An update already pending returns immediately.
func (r *Receiver[T]) Changed(ctx context.Context) error {
	c := r.ch
	for {
		c.mu.Lock()
		if r.closed {
			c.mu.Unlock()
			return metered.ErrClosed
		}
		if r.seen != c.version {
			r.markSeen()
			c.mu.Unlock()
			return nil
		}
		if c.txClosed {
			c.mu.Unlock()
			return metered.ErrClosed
		}
		wait := c.changed
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// markSeen must be called with ch.mu held.
func (r *Receiver[T]) markSeen() {
	if r.seen != r.ch.version {
		r.seen = r.ch.version
		r.ch.gauge.Dec()
	}
}

// Borrow returns the current value without marking it seen.
func (r *Receiver[T]) Borrow() T {
	r.ch.mu.RLock()
	defer r.ch.mu.RUnlock()
	return r.ch.value
}

// BorrowAndUpdate returns the current value and marks it seen.
func (r *Receiver[T]) BorrowAndUpdate() T {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	if !r.closed {
		r.markSeen()
	}
	return r.ch.value
}

// HasChanged reports whether a value newer than the last one seen is
// waiting. It returns metered.ErrClosed once the sender is closed and
// nothing new is pending.
func (r *Receiver[T]) HasChanged() (bool, error) {
	r.ch.mu.RLock()
	defer r.ch.mu.RUnlock()
	if r.closed {
		return false, metered.ErrClosed
	}
	if r.seen != r.ch.version {
		return true, nil
	}
	if r.ch.txClosed {
		return false, metered.ErrClosed
	}
	return false, nil
}

// Clone returns another receiver that has seen what r has seen.
func (r *Receiver[T]) Clone() *Receiver[T] {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	clone := &Receiver[T]{ch: c, seen: r.seen, closed: r.closed}
	if r.closed {
		return clone
	}
	c.receivers[clone] = struct{}{}
	if clone.seen != c.version {
		c.gauge.Inc()
	}
	return clone
}

// Close drops the receiver. A pending unseen update stops counting.
func (r *Receiver[T]) Close() {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.seen != c.version {
		c.gauge.Dec()
	}
	delete(c.receivers, r)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
