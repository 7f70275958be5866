package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/relay/internal/snapshot"
)

// Backuper uploads a copy of the client database.
type Backuper interface {
	Backup(ctx context.Context) (*snapshot.Result, error)
}

// BackupWorker uploads client database backups on a fixed interval.
type BackupWorker struct {
	source   Backuper
	interval time.Duration
}

// NewBackupWorker creates a worker that calls source.Backup every interval.
func NewBackupWorker(source Backuper, interval time.Duration) *BackupWorker {
	return &BackupWorker{source: source, interval: interval}
}

// Run backs up immediately and then on each tick until ctx is cancelled.
// It returns early when no backup destination is configured.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if !w.backup(ctx) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			if !w.backup(ctx) {
				return
			}
		}
	}
}

// backup reports false when the worker should stop.
func (w *BackupWorker) backup(ctx context.Context) bool {
	res, err := w.source.Backup(ctx)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			slog.Warn("backup worker disabled",
				"component", "worker",
				"worker", "backup",
				"reason", "not_configured",
			)
			return false
		}
		if ctx.Err() != nil {
			return true
		}
		// Upload failures are retried on the next tick.
		slog.Warn("scheduled backup failed",
			"component", "worker",
			"worker", "backup",
			"action", "backup_failed",
			"error", err,
		)
		return true
	}
	slog.Info("scheduled backup completed",
		"component", "worker",
		"worker", "backup",
		"action", "backup_uploaded",
		"key", res.Key,
		"size_bytes", res.SizeBytes,
	)
	return true
}
