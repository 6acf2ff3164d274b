package relay

import (
	"context"
	"log/slog"
	"time"

	"freeflow/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Relay tails the event log and hands events to a publisher. The cursor is
// stored per sink in relay_cursors so a restart resumes where it stopped.
type Relay struct {
	Repo      repo.Repo
	Publisher Publisher
	Filter    Filter
	Batch     int
	Interval  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Relay) stamp() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Flush delivers one batch and returns how many events were published.
// Events the filter rejects still advance the cursor.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	sink := r.Publisher.Name()
	cursor, err := r.Repo.RelayCursor(ctx, sink)
	if err != nil {
		return 0, err
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := r.Repo.EventsAfter(ctx, batch, cursor, repo.EventFilters{})
	if err != nil {
		return 0, err
	}
	var sent int
	for _, evt := range evts {
		if r.Filter.Match(evt.Type) {
			if err := r.Publisher.Publish(ctx, NewMessage(evt)); err != nil {
				return sent, err
			}
			sent++
		}
		if err := r.Repo.SetRelayCursor(ctx, sink, evt.ID, r.stamp()); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Run flushes on every tick until ctx is cancelled. Delivery errors are
// logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := r.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger().Warn("relay delivery failed", "sink", r.Publisher.Name(), "err", err)
		} else if n > 0 {
			r.logger().Debug("relay delivered events", "sink", r.Publisher.Name(), "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
