package metered

import (
	"context"
	"sync/atomic"
)

// Sender is one producer handle. Handles are cheap; Clone one per producer
// goroutine and Close each when done.
type Sender[T any] struct {
	ch     *shared[T]
	closed atomic.Bool
}

// Send enqueues v, suspending while the channel is full. It fails with
// ErrClosed once the receiver is gone and with the context error if ctx ends
// first; in both cases nothing was enqueued and the gauge is unchanged.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	if s.closed.Load() {
		return sendError(v, ErrClosed)
	}
	s.ch.logger.Debug("attempting to send value", "channel", s.ch.name)

	if err := s.ch.acquire(ctx); err != nil {
		s.ch.logger.Error("failed to send value", "channel", s.ch.name, "error", err)
		return sendError(v, err)
	}
	if err := s.ch.push(v); err != nil {
		s.ch.slots.Release(1)
		s.ch.logger.Error("failed to send value", "channel", s.ch.name, "error", err)
		return sendError(v, err)
	}

	s.ch.logger.Debug("value sent successfully", "channel", s.ch.name)
	return nil
}

// TrySend enqueues v if there is room right now, failing with ErrFull or
// ErrClosed otherwise.
func (s *Sender[T]) TrySend(v T) error {
	if s.closed.Load() || s.ch.rxCtx.Err() != nil {
		return sendError(v, ErrClosed)
	}
	if !s.ch.slots.TryAcquire(1) {
		return sendError(v, ErrFull)
	}
	if err := s.ch.push(v); err != nil {
		s.ch.slots.Release(1)
		return sendError(v, err)
	}
	return nil
}

// Reserve waits for capacity and holds it in a Permit without enqueuing
// anything. Abandoning the wait leaves no trace.
func (s *Sender[T]) Reserve(ctx context.Context) (*Permit[T], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.ch.acquire(ctx); err != nil {
		return nil, err
	}
	return newPermit(s.ch), nil
}

// TryReserve is Reserve without waiting.
func (s *Sender[T]) TryReserve() (*Permit[T], error) {
	if s.closed.Load() || s.ch.rxCtx.Err() != nil {
		return nil, ErrClosed
	}
	if !s.ch.slots.TryAcquire(1) {
		return nil, ErrFull
	}
	return newPermit(s.ch), nil
}

// Clone returns a new handle on the same channel and gauge. Cloning a
// closed handle returns a closed handle.
func (s *Sender[T]) Clone() *Sender[T] {
	clone := &Sender[T]{ch: s.ch}
	if s.closed.Load() {
		clone.closed.Store(true)
		return clone
	}
	s.ch.senders.Add(1)
	return clone
}

// Close releases this handle. When the last handle closes the receiver
// drains what is buffered and then sees ErrDisconnected. Close is
// idempotent.
func (s *Sender[T]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.ch.releaseSender()
}

// IsClosed reports whether the receiver is gone.
func (s *Sender[T]) IsClosed() bool {
	return s.ch.rxCtx.Err() != nil
}

// Len returns the number of buffered messages.
func (s *Sender[T]) Len() int {
	return len(s.ch.buf)
}

// Cap returns the channel capacity.
func (s *Sender[T]) Cap() int {
	return s.ch.capacity
}
