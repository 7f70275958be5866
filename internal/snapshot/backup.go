package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Source produces a consistent copy of the client database.
type Source interface {
	Snapshot(ctx context.Context, destPath string) error
}

// Result describes a completed backup.
type Result struct {
	ClientID  string    `json:"client_id"`
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	URL       string    `json:"url,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Backup copies the database from src into a temporary file, uploads it
// under the client's backup key and returns a pre-signed download URL.
// The temporary copy is removed before returning.
func Backup(ctx context.Context, src Source, u Uploader, clientID string) (*Result, error) {
	if _, ok := u.(*NoopUploader); ok {
		return nil, ErrNotConfigured
	}

	dir, err := os.MkdirTemp("", "relay-backup-")
	if err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "relay.db")
	if err := src.Snapshot(ctx, path); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat backup: %w", err)
	}

	if err := u.Upload(ctx, clientID, path); err != nil {
		return nil, err
	}

	res := &Result{
		ClientID:  clientID,
		Key:       objectKey(clientID),
		SizeBytes: info.Size(),
	}

	url, expiry, err := u.PresignedURL(ctx, clientID)
	if err != nil {
		slog.Warn("backup uploaded without download URL",
			"component", "snapshot",
			"client_id", clientID,
			"error", err,
		)
	} else {
		res.URL = url
		res.ExpiresAt = expiry
	}

	slog.Info("backup uploaded",
		"component", "snapshot",
		"client_id", clientID,
		"key", res.Key,
		"size_bytes", res.SizeBytes,
	)
	return res, nil
}
