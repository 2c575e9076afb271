// Package core holds the storage-agnostic records produced by the monitor.
package core

import (
	"time"

	"github.com/meteredchan/meteredchan/pkg/metered"
)

// Channel kinds reported in samples.
const (
	KindMPSC       = "mpsc"
	KindBroadcast  = "broadcast"
	KindWatch      = "watch"
	KindDispatcher = "dispatcher"
)

// OccupancySample is one observation of a channel at a point in time.
type OccupancySample struct {
	Time     time.Time         `json:"time"`
	Channel  string            `json:"channel"`
	Kind     string            `json:"kind"`
	Len      int               `json:"len"`
	Cap      int               `json:"cap"`
	Sent     uint64            `json:"sent"`
	Received uint64            `json:"received"`
	Senders  int64             `json:"senders"`
	State    string            `json:"state"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// SampleFromStats builds a sample from a channel snapshot.
func SampleFromStats(t time.Time, kind string, st metered.Stats, labels map[string]string) OccupancySample {
	return OccupancySample{
		Time:     t,
		Channel:  st.Name,
		Kind:     kind,
		Len:      st.Len,
		Cap:      st.Cap,
		Sent:     st.Sent,
		Received: st.Received,
		Senders:  st.Senders,
		State:    st.State.String(),
		Labels:   labels,
	}
}

// Utilization is Len/Cap in [0, 1].
func (s OccupancySample) Utilization() float64 {
	if s.Cap == 0 {
		return 0
	}
	return float64(s.Len) / float64(s.Cap)
}
