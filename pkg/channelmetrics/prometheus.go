// Package channelmetrics binds metered channels to metrics backends:
// Prometheus collectors registered under a caller-chosen name, OpenTelemetry
// instruments, and expvar variables.
package channelmetrics

import (
	"fmt"

	"github.com/meteredchan/meteredchan/pkg/metered"
	"github.com/prometheus/client_golang/prometheus"
)

// ChannelMetrics holds the Prometheus collectors of one channel.
type ChannelMetrics struct {
	// QueueSize is the current number of items in the channel.
	QueueSize prometheus.Gauge
	// TotalMessages counts every message sent through the channel. Nil for
	// metrics built with NewBasic.
	TotalMessages prometheus.Counter
}

// New creates the queue size gauge and total message counter for a channel
// and registers both with reg.
func New(name, help string, reg prometheus.Registerer) (*ChannelMetrics, error) {
	m, err := NewBasic(name, help, reg)
	if err != nil {
		return nil, err
	}

	total := prometheus.NewCounter(prometheus.CounterOpts{
		Name: name + "_total_messages",
		Help: fmt.Sprintf("Total number of messages processed by %s channel", help),
	})
	if err := reg.Register(total); err != nil {
		reg.Unregister(m.QueueSize)
		return nil, fmt.Errorf("registering total messages counter: %w", err)
	}
	m.TotalMessages = total

	return m, nil
}

// NewBasic creates and registers only the queue size gauge.
func NewBasic(name, help string, reg prometheus.Registerer) (*ChannelMetrics, error) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name + "_queue_size",
		Help: fmt.Sprintf("Current number of items in %s channel", help),
	})
	if err := reg.Register(gauge); err != nil {
		return nil, fmt.Errorf("registering queue size gauge: %w", err)
	}
	return &ChannelMetrics{QueueSize: gauge}, nil
}

// Options returns the metered options that wire the optional collectors.
func (m *ChannelMetrics) Options() []metered.Option {
	if m.TotalMessages == nil {
		return nil
	}
	return []metered.Option{metered.WithTotal(m.TotalMessages)}
}

// NewChannel validates capacity, registers a full set of metrics named
// name, and builds a channel bound to them. An invalid capacity fails before
// anything is registered.
func NewChannel[T any](capacity int, name, help string, reg prometheus.Registerer, opts ...metered.Option) (*metered.Sender[T], *metered.Receiver[T], *ChannelMetrics, error) {
	if err := metered.ValidateCapacity(capacity); err != nil {
		return nil, nil, nil, err
	}

	m, err := New(name, help, reg)
	if err != nil {
		return nil, nil, nil, err
	}

	opts = append(m.Options(), append(opts, metered.WithName(name))...)
	tx, rx, err := metered.New[T](capacity, m.QueueSize, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return tx, rx, m, nil
}

// FromGaugeVec returns the child of vec for the given label values, so many
// channels can report under one metric name without interfering.
func FromGaugeVec(vec *prometheus.GaugeVec, labelValues ...string) (metered.Gauge, error) {
	g, err := vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return nil, fmt.Errorf("selecting gauge %v: %w", labelValues, err)
	}
	return g, nil
}
