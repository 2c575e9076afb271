// internal/storage/memory/memory.go
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/meteredchan/meteredchan/internal/config"
	"github.com/meteredchan/meteredchan/pkg/core"
)

// ChannelRecord groups a channel with all its samples
type ChannelRecord struct {
	Name    string
	Kind    string
	Samples []core.OccupancySample
}

// Backend keeps samples in memory and exports them to JSON on Close
type Backend struct {
	cfg       config.MemoryConfig
	startedAt time.Time

	channels map[string]*ChannelRecord // keyed by channel name
	order    []string

	lastExportPath string
	mu             sync.RWMutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{
		cfg:      cfg,
		channels: make(map[string]*ChannelRecord),
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startedAt = time.Now()
	return nil
}

// Close exports everything recorded so far. An empty OutputDir skips the
// export.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.OutputDir == "" {
		return nil
	}
	return b.exportJSON()
}

// RecordSamples appends samples to their channel's record
func (b *Backend) RecordSamples(_ context.Context, samples []core.OccupancySample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range samples {
		rec, ok := b.channels[s.Channel]
		if !ok {
			rec = &ChannelRecord{Name: s.Channel, Kind: s.Kind}
			b.channels[s.Channel] = rec
			b.order = append(b.order, s.Channel)
		}
		rec.Samples = append(rec.Samples, s)
	}
	return nil
}

// Samples returns a copy of the samples recorded for a channel.
func (b *Backend) Samples(channel string) []core.OccupancySample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.channels[channel]
	if !ok {
		return nil
	}
	out := make([]core.OccupancySample, len(rec.Samples))
	copy(out, rec.Samples)
	return out
}

// Channels returns channel names in first-seen order.
func (b *Backend) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...)
}

// ExportedFilePath returns the path of the last export, if any.
func (b *Backend) ExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}
