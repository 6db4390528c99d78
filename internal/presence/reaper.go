package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Reaper periodically marks presence records with an expired heartbeat as
// not present and tells the remaining participants.
type Reaper struct {
	tracker  *Tracker
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReaper creates a new presence reaper.
func NewReaper(tracker *Tracker, store Store, logger *slog.Logger) *Reaper {
	return &Reaper{
		tracker:  tracker,
		store:    store,
		interval: 15 * time.Second,
		batch:    200,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// WithInterval overrides the sweep interval.
func (r *Reaper) WithInterval(d time.Duration) *Reaper {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Running reports whether the reaper loop is actively running.
func (r *Reaper) Running() bool {
	return r.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the reaper to stop.
func (r *Reaper) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reaper) safeSweep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in presence reaper", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Warn("presence sweep failed", "error", err)
	}
}

// Sweep reaps one batch of stale records and returns how many it flipped.
// A record that was refreshed after it was listed keeps its presence
// because MarkAbsent is conditional on the listed epoch.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.tracker.now()
	stale, err := r.store.ListStale(ctx, now.Add(-r.tracker.staleAfter), r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale presence: %w", err)
	}

	var reaped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rec := range stale {
		g.Go(func() error {
			ok, err := r.store.MarkAbsent(gctx, rec.DisputeID, rec.UserID, rec.Epoch, now)
			if err != nil {
				r.logger.Warn("failed to reap presence",
					"dispute_id", rec.DisputeID, "user_id", rec.UserID, "error", err)
				return nil
			}
			if !ok {
				return nil
			}
			reaped.Add(1)
			PresenceReapedTotal.Inc()
			r.tracker.publish(rec.DisputeID, EventLeft, map[string]any{
				"user_id": rec.UserID, "role": rec.Role, "reason": "timeout",
			})
			return nil
		})
	}
	_ = g.Wait()

	if n := reaped.Load(); n > 0 {
		r.logger.Info("reaped stale presence", "count", n)
	}
	return int(reaped.Load()), nil
}
