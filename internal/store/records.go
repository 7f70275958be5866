package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hyperengineering/relay/internal/types"
	"github.com/hyperengineering/relay/migrations"
)

// RecordStore is the authoritative record store behind the reference
// remote mutation service. Every record carries a version that increases on
// each write; deletes leave a tombstone so stale writers still conflict.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore opens (creating if needed) the server database at dbPath.
func NewRecordStore(dbPath string) (*RecordStore, error) {
	db, err := openDB(context.Background(), dbPath, migrations.ServerDir)
	if err != nil {
		return nil, err
	}
	return &RecordStore{db: db}, nil
}

// Close closes the database connection.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Count returns the number of live (non-deleted) records.
func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, unavailable("count records", err)
	}
	return n, nil
}

// GetRecord returns the current state of a record. Absent records are
// reported as a deleted record with version 0.
func (s *RecordStore) GetRecord(ctx context.Context, table, key string) (*types.RecordState, error) {
	return getRecord(ctx, s.db, table, key)
}

// CreateRecord inserts a new record. It fails with a RecordConflictError if
// a live record already exists under table and key.
func (s *RecordStore) CreateRecord(ctx context.Context, table, key string, payload []byte) (*types.RecordState, error) {
	var state *types.RecordState
	err := withTx(ctx, s.db, "create record", func(tx *sql.Tx) error {
		current, err := getRecord(ctx, tx, table, key)
		if err != nil {
			return err
		}
		if !current.Deleted {
			return conflictFrom(current)
		}
		state, err = writeRecord(ctx, tx, table, key, payload, current.Version+1, false)
		return err
	})
	return state, err
}

// ReplaceRecord writes payload as the new state of a record, creating it
// if needed. A non-zero expectedVersion must equal the current version.
func (s *RecordStore) ReplaceRecord(ctx context.Context, table, key string, payload []byte, expectedVersion int64) (*types.RecordState, error) {
	var state *types.RecordState
	err := withTx(ctx, s.db, "replace record", func(tx *sql.Tx) error {
		current, err := getRecord(ctx, tx, table, key)
		if err != nil {
			return err
		}
		if expectedVersion != 0 && expectedVersion != current.Version {
			return conflictFrom(current)
		}
		state, err = writeRecord(ctx, tx, table, key, payload, current.Version+1, false)
		return err
	})
	return state, err
}

// DeleteRecord tombstones a record. A non-zero expectedVersion must equal
// the current version; past that check, deleting an absent or already
// deleted record succeeds and returns the tombstone.
func (s *RecordStore) DeleteRecord(ctx context.Context, table, key string, expectedVersion int64) (*types.RecordState, error) {
	var state *types.RecordState
	err := withTx(ctx, s.db, "delete record", func(tx *sql.Tx) error {
		current, err := getRecord(ctx, tx, table, key)
		if err != nil {
			return err
		}
		if expectedVersion != 0 && expectedVersion != current.Version {
			return conflictFrom(current)
		}
		if current.Deleted {
			state = current
			return nil
		}
		state, err = writeRecord(ctx, tx, table, key, nil, current.Version+1, true)
		return err
	})
	return state, err
}

// IdempotentResponse is a cached response for a processed idempotency key.
type IdempotentResponse struct {
	Status int
	Body   []byte
}

// CheckIdempotency returns the cached response for key if it was processed
// and has not expired.
func (s *RecordStore) CheckIdempotency(ctx context.Context, key string, now time.Time) (*IdempotentResponse, bool, error) {
	var resp IdempotentResponse
	var expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT status, response, expires_at FROM idempotency_keys WHERE idempotency_key = ?
	`, key).Scan(&resp.Status, &resp.Body, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("check idempotency", err)
	}
	if !parseTime(expiresAt).After(now) {
		return nil, false, nil
	}
	return &resp, true, nil
}

// StoreIdempotency caches the response for key until now+ttl.
func (s *RecordStore) StoreIdempotency(ctx context.Context, key string, resp IdempotentResponse, now time.Time, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, status, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = excluded.status,
			response = excluded.response,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, key, resp.Status, resp.Body, formatTime(now), formatTime(now.Add(ttl)))
	if err != nil {
		return unavailable("store idempotency", err)
	}
	return nil
}

// PurgeExpiredIdempotency deletes idempotency records that expired at or
// before now. Returns the number of records removed.
func (s *RecordStore) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, unavailable("purge idempotency", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("purge idempotency", err)
	}
	return n, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, table, key string) (*types.RecordState, error) {
	var payload []byte
	var version int64
	var deleted int
	var updatedAt string

	err := q.QueryRowContext(ctx, `
		SELECT payload, version, deleted, updated_at FROM records WHERE table_name = ? AND record_key = ?
	`, table, key).Scan(&payload, &version, &deleted, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.RecordState{Table: table, Key: key, Payload: json.RawMessage("null"), Deleted: true}, nil
	}
	if err != nil {
		return nil, unavailable("get record", err)
	}

	state := &types.RecordState{Table: table, Key: key, Version: version, Deleted: deleted != 0}
	if state.Deleted || len(payload) == 0 {
		state.Payload = json.RawMessage("null")
	} else {
		state.Payload = json.RawMessage(payload)
	}
	t := parseTime(updatedAt)
	state.UpdatedAt = &t
	return state, nil
}

func writeRecord(ctx context.Context, tx *sql.Tx, table, key string, payload []byte, version int64, deleted bool) (*types.RecordState, error) {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (table_name, record_key, payload, version, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, record_key) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, table, key, nullableBytes(payload), version, boolToInt(deleted), formatTime(now))
	if err != nil {
		return nil, unavailable("write record", err)
	}

	state := &types.RecordState{Table: table, Key: key, Version: version, Deleted: deleted, UpdatedAt: &now}
	if deleted || len(payload) == 0 {
		state.Payload = json.RawMessage("null")
	} else {
		state.Payload = json.RawMessage(payload)
	}
	return state, nil
}

func conflictFrom(current *types.RecordState) error {
	return &RecordConflictError{Current: current}
}
