// Package cache serves offline reads from the client store. Every entry is
// written with a checksum of its payload and verified on read; an entry
// whose bytes no longer match is treated as absent.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/relay/internal/checksum"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
)

// Manager reads and writes cached entries.
type Manager struct {
	store store.CacheStore
	now   func() time.Time
}

// NewManager creates a cache manager backed by s.
func NewManager(s store.CacheStore) *Manager {
	return &Manager{store: s, now: time.Now}
}

// Put caches payload for table/key, assigning the next version for that key.
// The previously known server version is kept.
func (m *Manager) Put(ctx context.Context, table, key string, payload []byte) (*types.CachedEntry, error) {
	return m.PutAuthoritative(ctx, table, key, payload, 0)
}

// PutAuthoritative caches payload as confirmed by the remote service at
// serverVersion. A zero serverVersion keeps the previously known one.
func (m *Manager) PutAuthoritative(ctx context.Context, table, key string, payload []byte, serverVersion int64) (*types.CachedEntry, error) {
	entry := &types.CachedEntry{
		Table:         table,
		Key:           key,
		Payload:       json.RawMessage(payload),
		ServerVersion: serverVersion,
		Checksum:      checksum.Sum(payload),
		CachedAt:      m.now().UTC(),
	}
	if err := m.store.UpsertCacheEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the cached payload for table/key. The boolean is false when
// the entry is missing or fails its integrity check.
func (m *Manager) Get(ctx context.Context, table, key string) (json.RawMessage, bool, error) {
	entry, ok, err := m.Entry(ctx, table, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Payload, true, nil
}

// Entry returns the verified cache entry for table/key with its metadata.
func (m *Manager) Entry(ctx context.Context, table, key string) (*types.CachedEntry, bool, error) {
	entry, err := m.store.GetCacheEntry(ctx, table, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if !checksum.Verify(entry.Payload, entry.Checksum) {
		slog.Warn("cache integrity check failed, treating entry as absent",
			"component", "cache",
			"table", table,
			"key", key,
			"version", entry.Version,
			"stored_checksum", entry.Checksum,
		)
		return nil, false, nil
	}
	return entry, true, nil
}

// Invalidate drops the entry for table/key.
func (m *Manager) Invalidate(ctx context.Context, table, key string) error {
	return m.store.DeleteCacheEntry(ctx, table, key)
}

// Clear removes every cached entry, or only those of table when it is
// non-empty.
func (m *Manager) Clear(ctx context.Context, table string) (int64, error) {
	n, err := m.store.DeleteCacheEntries(ctx, table)
	if err != nil {
		return 0, err
	}
	slog.Info("cache cleared", "component", "cache", "table", table, "removed", n)
	return n, nil
}
