// Package workload drives a metered channel with configurable producers and
// a deliberately slow consumer so backpressure shows up in the gauge.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/meteredchan/meteredchan/internal/config"
	"github.com/meteredchan/meteredchan/pkg/metered"
	"golang.org/x/sync/errgroup"
)

// Job is the message the producers send.
type Job struct {
	Producer  int
	Seq       int
	CreatedAt time.Time
}

// Result summarizes a run.
type Result struct {
	Produced uint64
	Consumed uint64
	// MaxLatency is the longest time a job spent buffered.
	MaxLatency time.Duration
}

// HandlerFunc processes one job on the consumer side.
type HandlerFunc func(Job)

// Runner owns the two ends of a channel for the duration of a run.
type Runner struct {
	cfg     config.WorkloadConfig
	tx      *metered.Sender[Job]
	rx      *metered.Receiver[Job]
	logger  *slog.Logger
	handler HandlerFunc

	produced atomic.Uint64
	consumed atomic.Uint64
	maxLat   atomic.Int64
}

// New creates a Runner. The Runner takes ownership of tx and closes it when
// the producers finish.
func New(cfg config.WorkloadConfig, tx *metered.Sender[Job], rx *metered.Receiver[Job], logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		cfg:    cfg,
		tx:     tx,
		rx:     rx,
		logger: logger,
	}
}

// OnJob sets a callback run for every consumed job.
func (r *Runner) OnJob(h HandlerFunc) {
	r.handler = h
}

// Run starts the producers and the consumer and blocks until the producers
// are done (or ctx ends) and the consumer has drained the channel.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	producers, pctx := errgroup.WithContext(ctx)
	for i := 0; i < max(r.cfg.Producers, 1); i++ {
		tx := r.tx.Clone()
		producers.Go(func() error {
			defer tx.Close()
			return r.produce(pctx, i, tx)
		})
	}
	// the producers hold clones; drop the original so the channel
	// disconnects when they finish
	r.tx.Close()

	var consumer errgroup.Group
	consumer.Go(func() error {
		return r.consume()
	})

	perr := producers.Wait()
	cerr := consumer.Wait()

	res := Result{
		Produced:   r.produced.Load(),
		Consumed:   r.consumed.Load(),
		MaxLatency: time.Duration(r.maxLat.Load()),
	}
	r.logger.Info("workload finished",
		"produced", res.Produced,
		"consumed", res.Consumed,
		"maxLatency", res.MaxLatency,
	)
	return res, errors.Join(perr, cerr)
}

func (r *Runner) produce(ctx context.Context, id int, tx *metered.Sender[Job]) error {
	for seq := 0; r.cfg.MessagesPerProd <= 0 || seq < r.cfg.MessagesPerProd; seq++ {
		if r.cfg.ProduceInterval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.ProduceInterval):
			}
		}

		job := Job{Producer: id, Seq: seq, CreatedAt: time.Now()}
		if err := r.send(ctx, tx, job); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("producer %d: %w", id, err)
		}
		r.produced.Add(1)
	}
	return nil
}

// send either suspends in Send or reserves first and commits with the
// permit, depending on configuration.
func (r *Runner) send(ctx context.Context, tx *metered.Sender[Job], job Job) error {
	if !r.cfg.UseReserve {
		return tx.Send(ctx, job)
	}
	permit, err := tx.Reserve(ctx)
	if err != nil {
		return err
	}
	job.CreatedAt = time.Now()
	return permit.Send(job)
}

func (r *Runner) consume() error {
	// drains until every producer has closed, even after ctx ends
	for job := range r.rx.All(context.Background()) {
		lat := int64(time.Since(job.CreatedAt))
		for {
			cur := r.maxLat.Load()
			if lat <= cur || r.maxLat.CompareAndSwap(cur, lat) {
				break
			}
		}
		if r.cfg.ConsumeDelay > 0 {
			time.Sleep(r.cfg.ConsumeDelay)
		}
		if r.handler != nil {
			r.handler(job)
		}
		r.consumed.Add(1)
	}
	return nil
}
