package channelmetrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelGauge adapts an Int64UpDownCounter to metered.Gauge. OpenTelemetry
// has no synchronous settable gauge, and an up-down counter moved by ±1 is
// the instrument whose value is the current occupancy.
type OTelGauge struct {
	counter metric.Int64UpDownCounter
	attrs   metric.MeasurementOption
}

// NewOTelGauge creates an up-down counter named name on meter. attrs label
// every measurement, so channels sharing a name stay distinct.
func NewOTelGauge(meter metric.Meter, name, description string, attrs ...attribute.KeyValue) (*OTelGauge, error) {
	counter, err := meter.Int64UpDownCounter(name,
		metric.WithDescription(description),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s up-down counter: %w", name, err)
	}
	return &OTelGauge{
		counter: counter,
		attrs:   metric.WithAttributeSet(attribute.NewSet(attrs...)),
	}, nil
}

func (g *OTelGauge) Inc() {
	g.counter.Add(context.Background(), 1, g.attrs)
}

func (g *OTelGauge) Dec() {
	g.counter.Add(context.Background(), -1, g.attrs)
}

// OTelCounter adapts an Int64Counter to metered.Counter.
type OTelCounter struct {
	counter metric.Int64Counter
	attrs   metric.MeasurementOption
}

// NewOTelCounter creates a monotonic counter named name on meter.
func NewOTelCounter(meter metric.Meter, name, description string, attrs ...attribute.KeyValue) (*OTelCounter, error) {
	counter, err := meter.Int64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s counter: %w", name, err)
	}
	return &OTelCounter{
		counter: counter,
		attrs:   metric.WithAttributeSet(attribute.NewSet(attrs...)),
	}, nil
}

func (c *OTelCounter) Inc() {
	c.counter.Add(context.Background(), 1, c.attrs)
}
