package metered

import (
	"context"
	"iter"
	"sync/atomic"
)

// Receiver is the single consumer handle of a channel.
type Receiver[T any] struct {
	ch     *shared[T]
	closed atomic.Bool
}

// Recv returns the next message in FIFO order, suspending while the channel
// is empty and senders remain. It returns ErrDisconnected once the channel
// is empty and closed, and ctx.Err() if ctx ends before a message arrives.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	if r.closed.Load() {
		return r.drain()
	}
	r.ch.logger.Debug("waiting to receive value", "channel", r.ch.name)

	var zero T
	select {
	case v, ok := <-r.ch.buf:
		if !ok {
			r.ch.logger.Debug("channel closed, no more values", "channel", r.ch.name)
			return zero, ErrDisconnected
		}
		r.ch.popped()
		r.ch.logger.Debug("value received successfully", "channel", r.ch.name)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryRecv returns the next message if one is ready, ErrEmpty if not, and
// ErrDisconnected once the channel is empty and closed.
func (r *Receiver[T]) TryRecv() (T, error) {
	if r.closed.Load() {
		return r.drain()
	}

	var zero T
	select {
	case v, ok := <-r.ch.buf:
		if !ok {
			return zero, ErrDisconnected
		}
		r.ch.popped()
		return v, nil
	default:
		return zero, ErrEmpty
	}
}

// drain serves a closed receiver: leftovers first, then ErrDisconnected.
func (r *Receiver[T]) drain() (T, error) {
	var zero T
	select {
	case v, ok := <-r.ch.buf:
		if !ok {
			return zero, ErrDisconnected
		}
		r.ch.popped()
		return v, nil
	default:
		return zero, ErrDisconnected
	}
}

// All yields messages until the channel disconnects or ctx ends.
func (r *Receiver[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := r.Recv(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Close marks the receiver gone. Every later send fails with ErrClosed and
// senders blocked on a full channel wake up and fail. Messages already
// buffered can still be drained with Recv or TryRecv.
func (r *Receiver[T]) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.ch.rxCancel()
	r.ch.logger.Debug("receiver closed", "channel", r.ch.name, "buffered", len(r.ch.buf))
}

// Len returns the number of buffered messages.
func (r *Receiver[T]) Len() int {
	return len(r.ch.buf)
}

// Cap returns the channel capacity.
func (r *Receiver[T]) Cap() int {
	return r.ch.capacity
}

// Stats returns a point-in-time snapshot of the channel.
func (r *Receiver[T]) Stats() Stats {
	return r.ch.stats()
}
