// internal/storage/storage.go
package storage

import (
	"context"

	"github.com/meteredchan/meteredchan/pkg/core"
)

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// RecordSamples persists a batch of occupancy samples.
	RecordSamples(ctx context.Context, samples []core.OccupancySample) error
}

// Exportable is an optional interface for storage backends that produce a
// file when closed.
type Exportable interface {
	ExportedFilePath() string
}

// Discard is a Backend that drops every sample.
type Discard struct{}

func (Discard) Init() error  { return nil }
func (Discard) Close() error { return nil }

func (Discard) RecordSamples(context.Context, []core.OccupancySample) error { return nil }
