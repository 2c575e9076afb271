package metered

import (
	"context"
	"sync/atomic"
)

// Permit is one slot of capacity reserved by Sender.Reserve. It must be
// used exactly once, by Send or Release. An outstanding permit counts as a
// live sender, so the channel cannot disconnect under it.
type Permit[T any] struct {
	ch   *shared[T]
	used atomic.Bool
}

func newPermit[T any](c *shared[T]) *Permit[T] {
	c.senders.Add(1)
	return &Permit[T]{ch: c}
}

// Send enqueues v into the reserved slot without suspending. It fails with
// ErrClosed if the channel closed after the reservation, returning the slot.
func (p *Permit[T]) Send(v T) error {
	if !p.used.CompareAndSwap(false, true) {
		return sendError(v, ErrPermitUsed)
	}
	defer p.ch.releaseSender()
	if err := p.ch.push(v); err != nil {
		p.ch.slots.Release(1)
		return sendError(v, err)
	}
	return nil
}

// Release gives the slot back unused.
func (p *Permit[T]) Release() error {
	if !p.used.CompareAndSwap(false, true) {
		return ErrPermitUsed
	}
	p.ch.slots.Release(1)
	p.ch.releaseSender()
	return nil
}

// WithPermit reserves capacity on s and then runs fn, so the value fn
// produces is never computed without somewhere to put it. On fn error the
// permit is released.
func WithPermit[T, V any](ctx context.Context, s *Sender[T], fn func(context.Context) (V, error)) (*Permit[T], V, error) {
	var zero V

	s.ch.logger.Debug("requesting permit", "channel", s.ch.name)
	permit, err := s.Reserve(ctx)
	if err != nil {
		return nil, zero, err
	}
	s.ch.logger.Debug("permit acquired", "channel", s.ch.name)

	out, err := fn(ctx)
	if err != nil {
		_ = permit.Release()
		return nil, zero, err
	}
	return permit, out, nil
}
