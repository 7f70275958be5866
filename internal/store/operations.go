package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

const operationColumns = `seq, id, kind, table_name, record_key, payload, base_version,
	priority, enqueued_at, retry_count, last_error, next_attempt_at`

const insertOperationSQL = `
	INSERT INTO pending_operations (id, kind, table_name, record_key, payload, base_version,
		priority, enqueued_at, retry_count, last_error, next_attempt_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// insertOperation writes op and assigns its Seq. Shared by the plain insert
// and the resolve-and-enqueue transaction.
func insertOperation(ctx context.Context, tx *sql.Tx, op *types.PendingOperation) error {
	result, err := tx.ExecContext(ctx, insertOperationSQL,
		op.ID, string(op.Kind), op.Table, op.Key, nullableBytes(op.Payload), op.BaseVersion,
		op.Priority, formatTime(op.EnqueuedAt), op.RetryCount, op.LastError, nullableTime(op.NextAttemptAt),
	)
	if err != nil {
		return unavailable("insert pending operation", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return unavailable("read pending operation seq", err)
	}
	op.Seq = seq
	return nil
}

// InsertOperation durably appends a pending operation.
func (s *SQLiteStore) InsertOperation(ctx context.Context, op *types.PendingOperation) error {
	return withTx(ctx, s.db, "insert pending operation", func(tx *sql.Tx) error {
		return insertOperation(ctx, tx, op)
	})
}

// GetOperation returns the pending operation with the given id.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*types.PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id)

	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get pending operation", err)
	}
	return op, nil
}

// ListOperations returns every pending operation in replay order:
// priority descending, then enqueue order.
func (s *SQLiteStore) ListOperations(ctx context.Context) ([]types.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM pending_operations
		ORDER BY priority DESC, seq ASC
	`)
	if err != nil {
		return nil, unavailable("list pending operations", err)
	}
	defer rows.Close()

	ops := make([]types.PendingOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, unavailable("scan pending operation", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate pending operations", err)
	}
	return ops, nil
}

// DeleteOperation removes a pending operation. Deleting an id that does
// not exist is not an error.
func (s *SQLiteStore) DeleteOperation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return unavailable("delete pending operation", err)
	}
	return nil
}

// RecordOperationFailure increments retry_count, stores lastError and the
// earliest time the operation should be retried by a scheduled drain.
// Returns ErrNotFound if the operation no longer exists.
func (s *SQLiteStore) RecordOperationFailure(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ?
	`, lastError, formatTime(nextAttemptAt), id)
	if err != nil {
		return unavailable("record operation failure", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("record operation failure", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RebaseOperations moves every queued operation on table/key whose base
// version is fromVersion to toVersion, in one transaction, and returns how
// many were updated.
func (s *SQLiteStore) RebaseOperations(ctx context.Context, table, key string, fromVersion, toVersion int64) (int64, error) {
	var n int64
	err := withTx(ctx, s.db, "rebase pending operations", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE pending_operations SET base_version = ?
			WHERE table_name = ? AND record_key = ? AND base_version = ?
		`, toVersion, table, key, fromVersion)
		if err != nil {
			return unavailable("rebase pending operations", err)
		}
		n, err = result.RowsAffected()
		if err != nil {
			return unavailable("rebase pending operations", err)
		}
		return nil
	})
	return n, err
}

func scanOperation(scanner interface{ Scan(...any) error }) (*types.PendingOperation, error) {
	var op types.PendingOperation
	var kind, enqueuedAt string
	var payload []byte
	var nextAttemptAt sql.NullString

	err := scanner.Scan(
		&op.Seq,
		&op.ID,
		&kind,
		&op.Table,
		&op.Key,
		&payload,
		&op.BaseVersion,
		&op.Priority,
		&enqueuedAt,
		&op.RetryCount,
		&op.LastError,
		&nextAttemptAt,
	)
	if err != nil {
		return nil, err
	}

	op.Kind = types.OperationKind(kind)
	if len(payload) > 0 {
		op.Payload = json.RawMessage(payload)
	}
	op.EnqueuedAt = parseTime(enqueuedAt)
	op.NextAttemptAt = parseNullTime(nextAttemptAt)

	return &op, nil
}
