package worker

import (
	"context"
	"log/slog"
	"time"
)

// IdempotencyStore defines the store operations needed by the purge worker.
type IdempotencyStore interface {
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// IdempotencyPurgeWorker removes expired idempotency records so the table
// does not grow without bound.
type IdempotencyPurgeWorker struct {
	store    IdempotencyStore
	interval time.Duration
	now      func() time.Time
}

// NewIdempotencyPurgeWorker creates a worker with the given store and interval.
func NewIdempotencyPurgeWorker(store IdempotencyStore, interval time.Duration) *IdempotencyPurgeWorker {
	return &IdempotencyPurgeWorker{
		store:    store,
		interval: interval,
		now:      time.Now,
	}
}

// Run starts the worker loop. Purges immediately on start, then on each
// interval, until ctx is cancelled.
func (w *IdempotencyPurgeWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "idempotency-purge",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.purge(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "idempotency-purge",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.purge(ctx)
		}
	}
}

func (w *IdempotencyPurgeWorker) purge(ctx context.Context) {
	n, err := w.store.PurgeExpiredIdempotency(ctx, w.now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("idempotency purge failed",
			"component", "worker",
			"action", "idempotency_purge_failed",
			"error", err,
		)
		return
	}
	if n > 0 {
		slog.Info("idempotency records purged",
			"component", "worker",
			"action", "idempotency_purge",
			"purged", n,
		)
	}
}
