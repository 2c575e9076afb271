package otel

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/meteredchan/meteredchan/pkg/channelmetrics"
	"github.com/meteredchan/meteredchan/pkg/metered"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(Config{Enabled: false})
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.Nil(t, p.LoggerProvider())
	assert.Equal(t, noop.Meter{}, p.Meter("x"))
	assert.NoError(t, p.Flush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_EnabledWithoutOutputs(t *testing.T) {
	_, err := New(Config{Enabled: true, ServiceName: "test"})
	require.Error(t, err)
}

func TestNew_LogWriter(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(Config{
		Enabled:      true,
		ServiceName:  "test",
		BatchTimeout: time.Second,
		LogWriter:    &buf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	assert.NotNil(t, p.LoggerProvider())
	assert.Equal(t, noop.Meter{}, p.Meter("x"))
	assert.NoError(t, p.Flush(context.Background()))
}

func TestNew_MetricsBridgeToPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := New(Config{
		Enabled:     true,
		ServiceName: "test",
		Registerer:  reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	gauge, err := channelmetrics.NewOTelGauge(p.Meter("test"), "bridge.queue.size", "Current number of items")
	require.NoError(t, err)
	tx, _, err := metered.New[int](4, gauge)
	require.NoError(t, err)
	require.NoError(t, tx.TrySend(1))
	require.NoError(t, tx.TrySend(2))

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "bridge_queue_size") {
			continue
		}
		found = true
		require.NotEmpty(t, mf.GetMetric())
		assert.Equal(t, float64(2), mf.GetMetric()[0].GetGauge().GetValue())
	}
	assert.True(t, found, "bridged instrument missing from registry")
}
