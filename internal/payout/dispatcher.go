package payout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("payout queue is full")
	ErrStopped   = errors.New("payout dispatcher is stopped")
)

type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	QueueSize   int
	Logger      *slog.Logger
}

// Dispatcher feeds queued transfers to a rail from a fixed worker pool.
// Transient submission errors are retried with linear backoff; anything else
// is reported to the handler as a failed result.
type Dispatcher struct {
	rail   Rail
	handle ResultHandler
	opts   Options

	queue chan Transfer
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewDispatcher(rail Rail, handle ResultHandler, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		rail:   rail,
		handle: handle,
		opts:   opts,
		queue:  make(chan Transfer, opts.QueueSize),
	}
}

// Start launches the workers. They exit when Stop is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-d.queue:
					if !ok {
						return
					}
					d.process(ctx, t)
				}
			}
		}()
	}
}

// Enqueue never blocks. A transfer that cannot be queued stays processing
// until the callback timeout sweep fails it.
func (d *Dispatcher) Enqueue(t Transfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for queued transfers to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) process(ctx context.Context, t Transfer) {
	log := d.opts.Logger.With("settlement", t.SettlementID, "rail", d.rail.Name())
	for attempt := 1; ; attempt++ {
		receipt, err := d.rail.Submit(ctx, t)
		if err == nil {
			log.Info("transfer submitted", "rail_ref", receipt.RailRef, "attempt", attempt)
			if receipt.Result != nil {
				d.report(ctx, *receipt.Result)
			}
			return
		}
		if !IsRetryable(err) || attempt >= d.opts.MaxAttempts {
			log.Warn("transfer rejected", "attempt", attempt, "err", err)
			d.report(ctx, Result{SettlementID: t.SettlementID, Status: StatusFailed, Reason: err.Error()})
			return
		}
		log.Info("transfer retry scheduled", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			log.Warn("transfer abandoned", "err", ctx.Err())
			return
		case <-time.After(d.opts.Backoff * time.Duration(attempt)):
		}
	}
}

func (d *Dispatcher) report(ctx context.Context, r Result) {
	if r.SettlementID == "" {
		return
	}
	if err := d.handle(ctx, r); err != nil {
		d.opts.Logger.Error("apply transfer result failed", "settlement", r.SettlementID, "status", r.Status, "err", err)
	}
}
