package channelmetrics

import (
	"expvar"
	"fmt"
)

// ExpvarGauge publishes occupancy as an expvar.Int, visible under
// /debug/vars.
type ExpvarGauge struct {
	v *expvar.Int
}

// NewExpvarGauge publishes a new expvar.Int under name. expvar names are
// process-global, so a name already in use is an error.
func NewExpvarGauge(name string) (*ExpvarGauge, error) {
	if expvar.Get(name) != nil {
		return nil, fmt.Errorf("expvar %q already published", name)
	}
	v := new(expvar.Int)
	expvar.Publish(name, v)
	return &ExpvarGauge{v: v}, nil
}

func (g *ExpvarGauge) Inc() { g.v.Add(1) }
func (g *ExpvarGauge) Dec() { g.v.Add(-1) }

// Value returns the current reading.
func (g *ExpvarGauge) Value() int64 { return g.v.Value() }

// ExpvarMapGauge reports occupancy as one key of a shared expvar.Map, one
// key per channel.
type ExpvarMapGauge struct {
	m   *expvar.Map
	key string
}

// NewExpvarMapGauge returns a gauge stored under key in m.
func NewExpvarMapGauge(m *expvar.Map, key string) *ExpvarMapGauge {
	m.Add(key, 0)
	return &ExpvarMapGauge{m: m, key: key}
}

func (g *ExpvarMapGauge) Inc() { g.m.Add(g.key, 1) }
func (g *ExpvarMapGauge) Dec() { g.m.Add(g.key, -1) }
