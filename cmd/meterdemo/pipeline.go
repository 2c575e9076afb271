package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/meteredchan/meteredchan/internal/config"
	"github.com/meteredchan/meteredchan/internal/dispatcher"
	"github.com/meteredchan/meteredchan/internal/logging"
	"github.com/meteredchan/meteredchan/internal/monitor"
	"github.com/meteredchan/meteredchan/internal/workload"
	"github.com/meteredchan/meteredchan/pkg/channelmetrics"
	"github.com/meteredchan/meteredchan/pkg/core"
	"github.com/meteredchan/meteredchan/pkg/metered"
	"github.com/meteredchan/meteredchan/pkg/metered/broadcast"
	"github.com/meteredchan/meteredchan/pkg/metered/watch"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	cmdJobDone       = ":JOB:DONE:"
	completedBufSize = 64
)

// Completion is published for every job the consumer finished.
type Completion struct {
	Producer int           `json:"producer"`
	Seq      int           `json:"seq"`
	Latency  time.Duration `json:"latency"`
	At       time.Time     `json:"at"`
}

// pipeline is the demo topology:
//
//	producers -> jobs (mpsc) -> consumer -> dispatcher -> completed (broadcast) -> latest (watch)
type pipeline struct {
	runner     *workload.Runner
	jobs       *metered.Receiver[workload.Job]
	dispatcher *dispatcher.Dispatcher

	completed   *broadcast.Sender[Completion]
	completedRx *broadcast.Receiver[Completion]
	latest      *watch.Sender[Completion]
	latestRx    *watch.Receiver[Completion]

	logger   *slog.Logger
	followed chan struct{}
}

func newPipeline(reg prometheus.Registerer, logs *logging.SlogManager, wl config.WorkloadConfig, mc config.MetricsConfig) (*pipeline, error) {
	logger := logs.Logger()

	// jobs: the metered channel under observation
	var (
		tx  *metered.Sender[workload.Job]
		rx  *metered.Receiver[workload.Job]
		err error
	)
	jobOpts := []metered.Option{metered.WithLogger(logs.Metered("jobs"))}
	if mc.WithTotal {
		tx, rx, _, err = channelmetrics.NewChannel[workload.Job](wl.Capacity, mc.Name, mc.Help, reg, jobOpts...)
	} else {
		if err = metered.ValidateCapacity(wl.Capacity); err == nil {
			var m *channelmetrics.ChannelMetrics
			if m, err = channelmetrics.NewBasic(mc.Name, mc.Help, reg); err == nil {
				tx, rx, err = metered.New[workload.Job](wl.Capacity, m.QueueSize, append(jobOpts, metered.WithName(mc.Name))...)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("creating jobs channel: %w", err)
	}

	// completed: fan-out of finished jobs, one gauge child per channel
	bufferedVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broadcast_buffered_messages",
		Help: "Messages buffered across all subscribers of a broadcast channel",
	}, []string{"channel"})
	if err := reg.Register(bufferedVec); err != nil {
		return nil, fmt.Errorf("registering broadcast gauge: %w", err)
	}
	completedGauge, err := channelmetrics.FromGaugeVec(bufferedVec, "completed")
	if err != nil {
		return nil, err
	}
	completed, completedRx, err := broadcast.New[Completion](completedBufSize, completedGauge,
		broadcast.WithName("completed"),
		broadcast.WithLogger(logs.Metered("completed")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating completed channel: %w", err)
	}

	// latest: most recent completion, pending receivers on expvar or prometheus
	var latestGauge metered.Gauge
	if mc.Expvar {
		latestGauge, err = channelmetrics.NewExpvarGauge("latest_pending_receivers")
		if err != nil {
			return nil, err
		}
	} else {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "latest_pending_receivers",
			Help: "Receivers of the latest-completion watch with an unseen value",
		})
		if err := reg.Register(g); err != nil {
			return nil, fmt.Errorf("registering watch gauge: %w", err)
		}
		latestGauge = g
	}
	latest, latestRx, err := watch.New(Completion{}, latestGauge, watch.WithName("latest"))
	if err != nil {
		return nil, fmt.Errorf("creating latest channel: %w", err)
	}

	d, err := dispatcher.New(logs.Metered("dispatcher"))
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		jobs:        rx,
		dispatcher:  d,
		completed:   completed,
		completedRx: completedRx,
		latest:      latest,
		latestRx:    latestRx,
		logger:      logger,
		followed:    make(chan struct{}),
	}

	err = d.Register(cmdJobDone, p.publish, dispatcher.Buffered(wl.Capacity*4), dispatcher.Logged())
	if err != nil {
		return nil, err
	}

	p.runner = workload.New(wl, tx, rx, logger)
	p.runner.OnJob(p.jobDone)
	return p, nil
}

// jobDone runs on the consumer goroutine and hands off to the dispatcher.
// A full dispatcher queue drops the event; the drop is counted there.
func (p *pipeline) jobDone(j workload.Job) {
	_, err := p.dispatcher.Dispatch(dispatcher.Event{
		Command:   cmdJobDone,
		Args:      []string{strconv.Itoa(j.Producer), strconv.Itoa(j.Seq)},
		Timestamp: j.CreatedAt,
	})
	if err != nil && !errors.Is(err, metered.ErrFull) {
		p.logger.Error("dispatching job completion", "error", err)
	}
}

// publish is the dispatcher handler for completed jobs.
func (p *pipeline) publish(e dispatcher.Event) (any, error) {
	if len(e.Args) != 2 {
		return nil, fmt.Errorf("expected 2 args, got %d", len(e.Args))
	}
	producer, err := strconv.Atoi(e.Args[0])
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	seq, err := strconv.Atoi(e.Args[1])
	if err != nil {
		return nil, fmt.Errorf("seq: %w", err)
	}

	now := time.Now()
	c := Completion{Producer: producer, Seq: seq, Latency: now.Sub(e.Timestamp), At: now}
	if _, err := p.completed.Send(c); err != nil {
		return nil, err
	}
	return c, nil
}

// follow moves completions from the broadcast to the watch until the
// broadcast closes. Lag is logged and skipped.
func (p *pipeline) follow(ctx context.Context) {
	defer close(p.followed)
	for {
		c, err := p.completedRx.Recv(ctx)
		if err != nil {
			var lagged *broadcast.LaggedError
			if errors.As(err, &lagged) {
				p.logger.WarnContext(ctx, "completion follower lagged", "skipped", lagged.Skipped)
				continue
			}
			return
		}
		if err := p.latest.Send(c); err != nil {
			p.logger.DebugContext(ctx, "latest not updated", "error", err)
		}
	}
}

// register adds the pipeline's channels to the monitor.
func (p *pipeline) register(m *monitor.Service) {
	m.Register(core.KindMPSC, monitor.Single(p.jobs), nil)
	m.Register(core.KindDispatcher, p.dispatcher.Stats, nil)
}

// Latest returns the most recent completion and whether it is new since the
// previous call.
func (p *pipeline) Latest() (Completion, bool) {
	changed, _ := p.latestRx.HasChanged()
	return p.latestRx.BorrowAndUpdate(), changed
}

// close tears the pipeline down after the workload has returned: the
// dispatcher drains into the broadcast, the follower drains into the watch.
func (p *pipeline) close() {
	p.dispatcher.Close()
	p.completed.Close()
	<-p.followed
	p.latest.Close()
}
