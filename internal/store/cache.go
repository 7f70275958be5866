package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/hyperengineering/relay/internal/types"
)

// UpsertCacheEntry stores entry, overwriting any previous entry for the
// same table and key. The version is assigned here: one more than the
// previous version for that key, starting at 1. A zero ServerVersion keeps
// the previously known server version.
func (s *SQLiteStore) UpsertCacheEntry(ctx context.Context, entry *types.CachedEntry) error {
	return withTx(ctx, s.db, "upsert cache entry", func(tx *sql.Tx) error {
		var prevVersion, prevServerVersion int64
		err := tx.QueryRowContext(ctx, `
			SELECT version, server_version FROM cache_entries WHERE table_name = ? AND record_key = ?
		`, entry.Table, entry.Key).Scan(&prevVersion, &prevServerVersion)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return unavailable("read cache version", err)
		}

		entry.Version = prevVersion + 1
		if entry.ServerVersion == 0 {
			entry.ServerVersion = prevServerVersion
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO cache_entries (table_name, record_key, payload, version, server_version, checksum, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (table_name, record_key) DO UPDATE SET
				payload = excluded.payload,
				version = excluded.version,
				server_version = excluded.server_version,
				checksum = excluded.checksum,
				cached_at = excluded.cached_at
		`, entry.Table, entry.Key, []byte(entry.Payload), entry.Version, entry.ServerVersion,
			entry.Checksum, formatTime(entry.CachedAt))
		if err != nil {
			return unavailable("write cache entry", err)
		}
		return nil
	})
}

// GetCacheEntry returns the stored entry exactly as persisted. Integrity
// is checked by the caller.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, table, key string) (*types.CachedEntry, error) {
	var entry types.CachedEntry
	var payload []byte
	var cachedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT table_name, record_key, payload, version, server_version, checksum, cached_at
		FROM cache_entries
		WHERE table_name = ? AND record_key = ?
	`, table, key).Scan(&entry.Table, &entry.Key, &payload, &entry.Version, &entry.ServerVersion, &entry.Checksum, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get cache entry", err)
	}

	entry.Payload = json.RawMessage(payload)
	entry.CachedAt = parseTime(cachedAt)
	return &entry, nil
}

// DeleteCacheEntry removes the entry for table/key. Removing an absent
// entry is not an error.
func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, table, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE table_name = ? AND record_key = ?`, table, key)
	if err != nil {
		return unavailable("delete cache entry", err)
	}
	return nil
}

// DeleteCacheEntries removes all cached entries, or only those of table
// when table is non-empty. Returns the number of entries removed.
func (s *SQLiteStore) DeleteCacheEntries(ctx context.Context, table string) (int64, error) {
	var result sql.Result
	var err error
	if table == "" {
		result, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		result, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE table_name = ?`, table)
	}
	if err != nil {
		return 0, unavailable("clear cache entries", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("clear cache entries", err)
	}
	return n, nil
}
