// Package gormstorage implements the storage.Backend interface on any GORM
// dialect. Samples are converted to model.ChannelSample and inserted in
// batches.
package gormstorage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meteredchan/meteredchan/internal/model"
	"github.com/meteredchan/meteredchan/internal/model/convert"
	"github.com/meteredchan/meteredchan/pkg/core"
	"gorm.io/gorm"
)

// Dependencies holds what the GORM backend needs.
type Dependencies struct {
	DB        *gorm.DB
	Logger    *slog.Logger
	BatchSize int
}

// Backend writes samples through GORM.
type Backend struct {
	deps Dependencies
}

// New creates a GORM backend. A nil logger discards log output.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = 2000
	}
	return &Backend{deps: deps}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init migrates the schema.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return fmt.Errorf("gorm backend has no database")
	}
	if err := b.deps.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the caller.
func (b *Backend) Close() error {
	return nil
}

// RecordSamples inserts samples in batches.
func (b *Backend) RecordSamples(ctx context.Context, samples []core.OccupancySample) error {
	if len(samples) == 0 {
		return nil
	}
	rows := convert.CoreToChannelSamples(samples)

	start := time.Now()
	err := b.deps.DB.WithContext(ctx).CreateInBatches(&rows, b.deps.BatchSize).Error
	if err != nil {
		b.deps.Logger.Error("failed to write samples", "count", len(rows), "error", err)
		return fmt.Errorf("writing %d samples: %w", len(rows), err)
	}
	b.deps.Logger.Debug("wrote samples", "count", len(rows), "duration", time.Since(start))
	return nil
}
