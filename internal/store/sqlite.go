package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/relay/internal/types"
	"github.com/hyperengineering/relay/migrations"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const metaClientID = "client_id"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the client's durable store. It holds the three logical
// collections of the sync core: pending operations, cached entries and the
// conflict log. Every write is committed with synchronous=FULL before the
// call returns.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the client database at dbPath,
// applies pragmas and runs the client migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openDB(context.Background(), dbPath, migrations.ClientDir)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: dbPath}, nil
}

// openDB opens a SQLite database and brings its schema up to date.
func openDB(ctx context.Context, dbPath, migrationSet string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, unavailable("create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, unavailable("open database", err)
	}

	// One connection: pragmas apply uniformly, :memory: databases stay a
	// single database, and writers never contend for the file lock.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(ctx, db); err != nil {
		db.Close()
		return nil, unavailable("enable pragmas", err)
	}

	if err := RunMigrations(ctx, db, migrationSet); err != nil {
		db.Close()
		return nil, unavailable("migrate", err)
	}

	return db, nil
}

// enablePragmas sets SQLite pragmas for durability and safety.
func enablePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing only if fn succeeds.
// Errors returned by fn are passed through unchanged.
func withTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op+": begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable(op+": commit transaction", err)
	}
	return nil
}

// Close closes the database connection. Subsequent calls fail with
// ErrStorageUnavailable.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// ClientID returns the stable identifier of this client database,
// generating and persisting one on first use.
func (s *SQLiteStore) ClientID(ctx context.Context) (string, error) {
	var id string
	err := withTx(ctx, s.db, "client id", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, metaClientID).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return unavailable("read client id", err)
		}

		id = ulid.Make().String()
		if _, err := tx.ExecContext(ctx, `INSERT INTO metadata (key, value) VALUES (?, ?)`, metaClientID, id); err != nil {
			return unavailable("write client id", err)
		}
		return nil
	})
	return id, err
}

// Stats returns counts for each collection.
func (s *SQLiteStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	var stats types.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM pending_operations),
			(SELECT COUNT(*) FROM pending_operations WHERE retry_count > 0),
			(SELECT COUNT(*) FROM conflicts WHERE resolved = 0),
			(SELECT COUNT(*) FROM cache_entries)
	`).Scan(&stats.PendingOperations, &stats.FailingOperations, &stats.UnresolvedConflict, &stats.CacheEntries)
	if err != nil {
		return nil, unavailable("read stats", err)
	}
	return &stats, nil
}

// Snapshot writes a consistent copy of the database to destPath.
// destPath must not exist.
func (s *SQLiteStore) Snapshot(ctx context.Context, destPath string) error {
	if dir := filepath.Dir(destPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return unavailable("snapshot database", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		slog.Warn("store: failed to parse timestamp", "value", s, "error", err)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
