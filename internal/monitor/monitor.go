package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meteredchan/meteredchan/internal/queue"
	"github.com/meteredchan/meteredchan/internal/storage"
	"github.com/meteredchan/meteredchan/pkg/core"
	"github.com/meteredchan/meteredchan/pkg/metered"
)

// StatusFileName is written in Dependencies.StatusDir on every tick.
const StatusFileName = "status.txt"

// StatsFunc reports the current state of one or more channels.
type StatsFunc func() []metered.Stats

// StatsSource is anything with a single-channel snapshot, such as
// *metered.Sender or *metered.Receiver.
type StatsSource interface {
	Stats() metered.Stats
}

// Single adapts one channel to a StatsFunc.
func Single(src StatsSource) StatsFunc {
	return func() []metered.Stats {
		return []metered.Stats{src.Stats()}
	}
}

type source struct {
	kind   string
	stats  StatsFunc
	labels map[string]string
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Backend    storage.Backend
	Logger     *slog.Logger
	StatusDir  string // empty disables the status file
	Interval   time.Duration
	FlushSize  int
	BufferSize int
}

// Service samples registered channels on a fixed interval, buffers the
// samples and flushes them to a storage backend in batches.
type Service struct {
	deps    Dependencies
	buffer  *queue.Queue[core.OccupancySample]
	sources []source
	last    []core.OccupancySample

	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Backend == nil {
		deps.Backend = storage.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	if deps.FlushSize <= 0 {
		deps.FlushSize = 100
	}
	return &Service{
		deps:   deps,
		buffer: queue.New[core.OccupancySample](deps.BufferSize),
	}
}

// Register adds channels to sample. labels are attached to every sample
// they produce.
func (s *Service) Register(kind string, stats StatsFunc, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, source{kind: kind, stats: stats, labels: labels})
}

// IsRunning returns whether the sampling loop is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Snapshot samples every registered channel now and buffers the result.
func (s *Service) Snapshot() []core.OccupancySample {
	now := time.Now()

	s.mu.RLock()
	sources := s.sources
	s.mu.RUnlock()

	var samples []core.OccupancySample
	for _, src := range sources {
		for _, st := range src.stats() {
			samples = append(samples, core.SampleFromStats(now, src.kind, st, src.labels))
		}
	}

	if dropped := s.buffer.Push(samples...); dropped > 0 {
		s.deps.Logger.Warn("sample buffer full, dropped oldest", "dropped", dropped)
	}

	s.mu.Lock()
	s.last = samples
	s.mu.Unlock()

	return samples
}

// Pending returns how many samples are waiting to be flushed.
func (s *Service) Pending() int {
	return s.buffer.Len()
}

// Dropped returns how many samples were evicted before being flushed.
func (s *Service) Dropped() uint64 {
	return s.buffer.Dropped()
}

// GetStatus renders the latest snapshot, one line per channel.
func (s *Service) GetStatus() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	output := make([]string, 0, len(s.last)+1)
	for _, smp := range s.last {
		output = append(output, fmt.Sprintf("%s [%s] %d/%d (%.1f%%) sent=%d received=%d senders=%d %s",
			smp.Channel, smp.Kind, smp.Len, smp.Cap, smp.Utilization()*100,
			smp.Sent, smp.Received, smp.Senders, smp.State))
	}
	output = append(output, fmt.Sprintf("pending=%d dropped=%d", s.buffer.Len(), s.buffer.Dropped()))
	return output
}

// Flush writes every buffered sample to the backend in FlushSize batches.
// A failed batch is pushed back so the next flush retries it.
func (s *Service) Flush(ctx context.Context) error {
	for !s.buffer.Empty() {
		batch := s.buffer.Drain(s.deps.FlushSize)
		if err := s.deps.Backend.RecordSamples(ctx, batch); err != nil {
			s.buffer.Push(batch...)
			return fmt.Errorf("flushing %d samples: %w", len(batch), err)
		}
	}
	return nil
}

// Start starts the sampling goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}

	var statusFile *os.File
	if s.deps.StatusDir != "" {
		var err error
		statusFile, err = os.Create(filepath.Join(s.deps.StatusDir, StatusFileName))
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("error creating status file: %w", err)
		}
	}

	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()
		if statusFile != nil {
			defer statusFile.Close()
		}

		logger := s.deps.Logger
		logger.Debug("starting status monitor", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				s.Snapshot()
				s.writeStatus(statusFile)
				if err := s.Flush(context.Background()); err != nil {
					logger.Error("final flush failed", "error", err)
				}
				return
			case <-ticker.C:
				s.Snapshot()
				s.writeStatus(statusFile)
				if s.buffer.Len() >= s.deps.FlushSize {
					if err := s.Flush(context.Background()); err != nil {
						logger.Error("error flushing samples", "error", err)
					}
				}
			}
		}
	}()

	return nil
}

func (s *Service) writeStatus(f *os.File) {
	if f == nil {
		return
	}
	if err := f.Truncate(0); err != nil {
		s.deps.Logger.Error("error truncating status file", "error", err)
		return
	}
	if _, err := f.Seek(0, 0); err != nil {
		s.deps.Logger.Error("error rewinding status file", "error", err)
		return
	}
	for _, line := range s.GetStatus() {
		if _, err := f.WriteString(line + "\n"); err != nil {
			s.deps.Logger.Error("error writing status file", "error", err)
			return
		}
	}
}

// Stop stops the sampling loop and waits for the final flush
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	stop, done := s.stopChan, s.done
	s.stopChan = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	<-done
}
