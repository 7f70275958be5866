package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

const conflictColumns = `id, operation_id, kind, table_name, record_key, local_payload, server_payload,
	server_version, server_deleted, detected_at, resolved, resolution, resolved_at`

const insertConflictSQL = `
	INSERT INTO conflicts (id, operation_id, kind, table_name, record_key, local_payload,
		server_payload, server_version, server_deleted, detected_at, resolved)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

func insertConflict(ctx context.Context, tx *sql.Tx, c *types.ConflictEntry) error {
	_, err := tx.ExecContext(ctx, insertConflictSQL,
		c.ID, c.OperationID, string(c.Kind), c.Table, c.Key, nullableBytes(c.LocalPayload),
		nullableBytes(c.ServerPayload), c.ServerVersion, boolToInt(c.ServerDeleted), formatTime(c.DetectedAt),
	)
	if err != nil {
		return unavailable("insert conflict", err)
	}
	return nil
}

// InsertConflict persists a new unresolved conflict.
func (s *SQLiteStore) InsertConflict(ctx context.Context, c *types.ConflictEntry) error {
	return withTx(ctx, s.db, "insert conflict", func(tx *sql.Tx) error {
		return insertConflict(ctx, tx, c)
	})
}

// ConvertOperationToConflict records c and retires the pending operation
// with the given id in one transaction. If the operation is already gone
// the conflict is still recorded.
func (s *SQLiteStore) ConvertOperationToConflict(ctx context.Context, operationID string, c *types.ConflictEntry) error {
	return withTx(ctx, s.db, "convert operation to conflict", func(tx *sql.Tx) error {
		if err := insertConflict(ctx, tx, c); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, operationID); err != nil {
			return unavailable("retire pending operation", err)
		}
		return nil
	})
}

// GetConflict returns the conflict with the given id.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*types.ConflictEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)

	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get conflict", err)
	}
	return c, nil
}

// ListConflicts returns conflicts filtered by their resolved flag, oldest
// first.
func (s *SQLiteStore) ListConflicts(ctx context.Context, resolved bool) ([]types.ConflictEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE resolved = ?
		ORDER BY detected_at ASC, id ASC
	`, boolToInt(resolved))
	if err != nil {
		return nil, unavailable("list conflicts", err)
	}
	defer rows.Close()

	conflicts := make([]types.ConflictEntry, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, unavailable("scan conflict", err)
		}
		conflicts = append(conflicts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate conflicts", err)
	}
	return conflicts, nil
}

// ResolveConflict marks the conflict resolved and, when followUp is not
// nil, enqueues it in the same transaction. Returns ErrNotFound for an
// unknown id and ErrAlreadyResolved if the conflict was resolved before;
// in both cases nothing is written.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id string, resolution types.Resolution, resolvedAt time.Time, followUp *types.PendingOperation) error {
	return withTx(ctx, s.db, "resolve conflict", func(tx *sql.Tx) error {
		var resolved int
		err := tx.QueryRowContext(ctx, `SELECT resolved FROM conflicts WHERE id = ?`, id).Scan(&resolved)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return unavailable("read conflict state", err)
		}
		if resolved != 0 {
			return ErrAlreadyResolved
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conflicts SET resolved = 1, resolution = ?, resolved_at = ?
			WHERE id = ? AND resolved = 0
		`, string(resolution), formatTime(resolvedAt), id); err != nil {
			return unavailable("mark conflict resolved", err)
		}

		if followUp != nil {
			return insertOperation(ctx, tx, followUp)
		}
		return nil
	})
}

func scanConflict(scanner interface{ Scan(...any) error }) (*types.ConflictEntry, error) {
	var c types.ConflictEntry
	var kind, detectedAt string
	var localPayload, serverPayload []byte
	var resolved, serverDeleted int
	var resolution, resolvedAt sql.NullString

	err := scanner.Scan(
		&c.ID,
		&c.OperationID,
		&kind,
		&c.Table,
		&c.Key,
		&localPayload,
		&serverPayload,
		&c.ServerVersion,
		&serverDeleted,
		&detectedAt,
		&resolved,
		&resolution,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Kind = types.OperationKind(kind)
	if len(localPayload) > 0 {
		c.LocalPayload = json.RawMessage(localPayload)
	}
	if len(serverPayload) > 0 {
		c.ServerPayload = json.RawMessage(serverPayload)
	}
	c.DetectedAt = parseTime(detectedAt)
	c.ServerDeleted = serverDeleted != 0
	c.Resolved = resolved != 0
	if resolution.Valid {
		c.Resolution = types.Resolution(resolution.String)
	}
	c.ResolvedAt = parseNullTime(resolvedAt)

	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
