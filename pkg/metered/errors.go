package metered

import (
	"errors"
	"fmt"
)

var (
	// ErrFull is returned by non-suspending sends when the channel is at capacity.
	ErrFull = errors.New("channel full")
	// ErrEmpty is returned by TryRecv when no message is ready.
	ErrEmpty = errors.New("channel empty")
	// ErrClosed is returned to senders once the receiver is gone, or when
	// the sending handle itself has been closed.
	ErrClosed = errors.New("channel closed")
	// ErrDisconnected is the terminal signal for the receiver: the channel is
	// empty and every sender has been closed (or the receiver was closed and
	// has drained what was buffered). Like io.EOF it marks the end of the
	// stream rather than a failure.
	ErrDisconnected = errors.New("channel disconnected")
	// ErrInvalidCapacity is returned by New for a capacity below one.
	ErrInvalidCapacity = errors.New("invalid capacity")
	// ErrNilGauge is returned by New when no gauge is supplied.
	ErrNilGauge = errors.New("nil gauge")
	// ErrPermitUsed is returned when a Permit is sent on or released twice.
	ErrPermitUsed = errors.New("permit already used")
)

// SendError reports a failed send and hands the rejected value back to the
// caller. It unwraps to ErrFull, ErrClosed, or the context error.
type SendError[T any] struct {
	Value T
	Err   error
}

func (e *SendError[T]) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError[T]) Unwrap() error {
	return e.Err
}

func sendError[T any](v T, err error) error {
	return &SendError[T]{Value: v, Err: err}
}
