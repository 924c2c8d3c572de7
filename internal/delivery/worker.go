package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
)

const (
	// DefaultWorkerInterval is how often the expiry worker wakes up.
	DefaultWorkerInterval = 30 * time.Second
	workerBatch           = 100
)

// Worker fires due expiry timers and sweeps the store for overdue events
// whose timers were lost.
type Worker struct {
	repo     store.Repository
	timers   TimerQueue
	reaper   *Reaper
	interval time.Duration
	now      shared.Clock
}

// NewWorker creates an expiry worker.
func NewWorker(repo store.Repository, timers TimerQueue, reaper *Reaper, interval time.Duration, now shared.Clock) *Worker {
	if interval <= 0 {
		interval = DefaultWorkerInterval
	}
	if now == nil {
		now = shared.SystemClock
	}
	return &Worker{repo: repo, timers: timers, reaper: reaper, interval: interval, now: now}
}

// Start runs the worker in a background goroutine until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Expiry worker started", "interval", w.interval)

		for {
			select {
			case <-ticker.C:
				w.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("Expiry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// RunOnce performs one timer pass and one store sweep, retries stakes left
// held by expired requests, and returns how many events it handed to the
// reaper.
func (w *Worker) RunOnce(ctx context.Context) int {
	now := w.now()
	fired := 0

	due, err := w.timers.Due(ctx, now, workerBatch)
	if err != nil {
		slog.Error("Expiry worker failed to read due timers", "error", err)
	}
	for _, id := range due {
		if w.fire(ctx, id) {
			fired++
		}
	}

	overdue, err := w.repo.ListExpirableEvents(ctx, now, workerBatch)
	if err != nil {
		slog.Error("Expiry worker failed to list overdue events", "error", err)
	}
	for _, ev := range overdue {
		if w.fire(ctx, ev.ID) {
			fired++
		}
	}

	w.reaper.RefundStranded(ctx, workerBatch)

	if fired > 0 {
		slog.Info("Expiry worker pass completed", "fired", fired)
	}
	return fired
}

func (w *Worker) fire(ctx context.Context, eventID string) bool {
	err := shared.WithSQLiteRetry(ctx, shared.DefaultRetryPolicy, "expire event", func() error {
		return w.reaper.OnExpiryTimer(ctx, eventID)
	})
	if err != nil {
		slog.Warn("Expiry worker failed to reap event", "event_id", eventID, "error", err)
		return false
	}
	if err := w.timers.Remove(ctx, eventID); err != nil {
		slog.Warn("Expiry worker failed to remove timer", "event_id", eventID, "error", err)
	}
	return true
}
