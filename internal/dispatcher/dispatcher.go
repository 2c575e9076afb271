package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meteredchan/meteredchan/pkg/channelmetrics"
	"github.com/meteredchan/meteredchan/pkg/metered"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event is a named command routed to a handler.
type Event struct {
	Command   string
	Args      []string
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging.
type Logger = metered.Logger

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async, fed by a metered channel of the given
// capacity.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler wait for room when the queue is full
// instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler and its queue.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

type queue struct {
	tx *metered.Sender[Event]
	rx *metered.Receiver[Event]
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	queues   map[string]*queue
	logger   Logger

	meter     metric.Meter
	processed metric.Int64Counter
	dropped   metric.Int64Counter

	wg sync.WaitGroup
}

// New creates a new Dispatcher using the global OTel meter (no-op if not
// configured).
func New(logger Logger) (*Dispatcher, error) {
	return NewWithMeter(logger, meter())
}

// NewWithMeter creates a Dispatcher that records its metrics on m.
func NewWithMeter(logger Logger, m metric.Meter) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		queues:   make(map[string]*queue),
		logger:   logger,
		meter:    m,
	}

	var err error

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given command with optional configuration.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) error {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.bufferSize > 0 {
		var err error
		handler, err = d.withBuffer(command, cfg, handler)
		if err != nil {
			return err
		}
	}

	if cfg.logged {
		handler = d.withLogging(command, handler)
	}

	d.mu.Lock()
	d.handlers[command] = handler
	d.mu.Unlock()
	return nil
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[e.Command]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", e.Command)
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the command.
func (d *Dispatcher) HasHandler(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[command]
	return ok
}

// Stats returns a snapshot of every buffered queue, ordered by command.
func (d *Dispatcher) Stats() []metered.Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]metered.Stats, 0, len(d.queues))
	for _, q := range d.queues {
		out = append(out, q.rx.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops accepting buffered events and waits until every queue has
// been drained by its handler.
func (d *Dispatcher) Close() {
	d.mu.RLock()
	for _, q := range d.queues {
		q.tx.Close()
	}
	d.mu.RUnlock()
	d.wg.Wait()
}

func (d *Dispatcher) withBuffer(command string, cfg *config, h HandlerFunc) (HandlerFunc, error) {
	cmdAttr := attribute.String("command", command)

	gauge, err := channelmetrics.NewOTelGauge(d.meter,
		"dispatcher.queue.size",
		"Current number of events in queue",
		cmdAttr,
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	opts := []metered.Option{metered.WithName(command)}
	if cfg.logged {
		opts = append(opts, metered.WithLogger(d.logger))
	}
	tx, rx, err := metered.New[Event](cfg.bufferSize, gauge, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating queue for %s: %w", command, err)
	}

	d.mu.Lock()
	if old, ok := d.queues[command]; ok {
		old.tx.Close()
	}
	d.queues[command] = &queue{tx: tx, rx: rx}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for e := range rx.All(context.Background()) {
			if _, err := h(e); err != nil {
				d.logger.Error("buffered handler failed", "command", command, "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(cmdAttr))
		}
	}()

	if cfg.blocking {
		return func(e Event) (any, error) {
			if err := tx.Send(context.Background(), e); err != nil {
				return nil, fmt.Errorf("queue closed: %s: %w", command, err)
			}
			return "queued", nil
		}, nil
	}

	return func(e Event) (any, error) {
		if err := tx.TrySend(e); err != nil {
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(cmdAttr))
			return nil, fmt.Errorf("queue full: %s: %w", command, err)
		}
		return "queued", nil
	}, nil
}

func (d *Dispatcher) withLogging(command string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling event", "command", command, "args", len(e.Args))

		result, err := h(e)

		if err != nil {
			d.logger.Error("event failed", "command", command, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "command", command, "duration", time.Since(start))
		}

		return result, err
	}
}
