// Package influxstorage implements the storage.Backend interface on InfluxDB,
// falling back to a gzipped line-protocol file when the server is down.
package influxstorage

import (
	"context"

	"github.com/meteredchan/meteredchan/internal/config"
	"github.com/meteredchan/meteredchan/internal/influx"
	"github.com/meteredchan/meteredchan/pkg/core"
	"github.com/rs/zerolog"
)

// Backend writes samples as InfluxDB points.
type Backend struct {
	cfg     config.InfluxConfig
	manager *influx.Manager
}

// New creates an InfluxDB backend. Init connects.
func New(cfg config.InfluxConfig, log zerolog.Logger) *Backend {
	return &Backend{
		cfg:     cfg,
		manager: influx.NewManager(log),
	}
}

// Manager exposes the underlying connection manager.
func (b *Backend) Manager() *influx.Manager {
	return b.manager
}

// Init connects to InfluxDB or opens the backup file.
func (b *Backend) Init() error {
	return b.manager.Connect(context.Background(), b.cfg)
}

// Close flushes pending points.
func (b *Backend) Close() error {
	return b.manager.Close()
}

// RecordSamples writes one point per sample.
func (b *Backend) RecordSamples(_ context.Context, samples []core.OccupancySample) error {
	for _, s := range samples {
		if err := b.manager.WritePoint(influx.SampleToPoint(s)); err != nil {
			return err
		}
	}
	return b.manager.Flush()
}
