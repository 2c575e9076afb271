package metered

// State is the lifecycle of a channel as seen from the sending side.
type State int

const (
	// StateOpen means at least one sender handle is live.
	StateOpen State = iota
	// StateDraining means every sender closed but messages remain buffered.
	StateDraining
	// StateClosed means every sender closed and the buffer is empty.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of a channel. Sent and Received count committed
// operations only, so at a quiescent point Len == Sent - Received.
type Stats struct {
	Name         string `json:"name"`
	Len          int    `json:"len"`
	Cap          int    `json:"cap"`
	Sent         uint64 `json:"sent"`
	Received     uint64 `json:"received"`
	Senders      int64  `json:"senders"`
	State        State  `json:"state"`
	ReceiverGone bool   `json:"receiverGone"`
}

func (c *shared[T]) stats() Stats {
	st := Stats{
		Name:         c.name,
		Len:          len(c.buf),
		Cap:          c.capacity,
		Sent:         c.sent.Load(),
		Received:     c.received.Load(),
		Senders:      c.senders.Load(),
		ReceiverGone: c.rxCtx.Err() != nil,
	}
	switch {
	case st.Senders > 0:
		st.State = StateOpen
	case st.Len > 0:
		st.State = StateDraining
	default:
		st.State = StateClosed
	}
	return st
}

// Stats returns a point-in-time snapshot of the channel.
func (s *Sender[T]) Stats() Stats {
	return s.ch.stats()
}
