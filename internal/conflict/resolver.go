// Package conflict persists mutations the remote service rejected as
// concurrent edits and applies the operator's resolution.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
	"github.com/oklog/ulid/v2"
)

// ErrInvalidResolution is returned when a resolution cannot be applied: an
// unknown strategy, a merge without payload, or a conflict that was already
// resolved. The conflict is left untouched.
var ErrInvalidResolution = errors.New("invalid resolution")

// DefaultResolutionPriority is the priority of operations re-enqueued by a
// local or merge resolution.
const DefaultResolutionPriority = 100

// CacheWriter refreshes cached entries after a resolution.
type CacheWriter interface {
	Put(ctx context.Context, table, key string, payload []byte) (*types.CachedEntry, error)
	PutAuthoritative(ctx context.Context, table, key string, payload []byte, serverVersion int64) (*types.CachedEntry, error)
	Invalidate(ctx context.Context, table, key string) error
}

// Resolver records and resolves conflicts.
type Resolver struct {
	store              store.ConflictStore
	cache              CacheWriter
	resolutionPriority int
	now                func() time.Time
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(s store.ConflictStore, cache CacheWriter, resolutionPriority int) *Resolver {
	return &Resolver{
		store:              s,
		cache:              cache,
		resolutionPriority: resolutionPriority,
		now:                time.Now,
	}
}

// Record persists a new unresolved conflict and returns its id. It never
// decides a resolution. An absent server payload marks the record as
// deleted on the server.
func (r *Resolver) Record(ctx context.Context, kind types.OperationKind, table, key string, local, server json.RawMessage, serverVersion int64) (string, error) {
	deleted := len(server) == 0 || string(server) == "null"
	c := r.newEntry(kind, table, key, local, server, serverVersion, deleted)
	if err := r.store.InsertConflict(ctx, c); err != nil {
		return "", err
	}
	r.logRecorded(c)
	return c.ID, nil
}

// RecordFromOperation converts a pending operation into a conflict against
// current. The conflict is written and the operation retired in a single
// transaction.
func (r *Resolver) RecordFromOperation(ctx context.Context, op *types.PendingOperation, current types.RecordState) (*types.ConflictEntry, error) {
	c := r.newEntry(op.Kind, op.Table, op.Key, op.Payload, current.Payload, current.Version, current.Deleted)
	c.OperationID = op.ID
	if err := r.store.ConvertOperationToConflict(ctx, op.ID, c); err != nil {
		return nil, err
	}
	r.logRecorded(c)
	return c, nil
}

func (r *Resolver) newEntry(kind types.OperationKind, table, key string, local, server json.RawMessage, serverVersion int64, serverDeleted bool) *types.ConflictEntry {
	if len(server) == 0 {
		server = json.RawMessage("null")
	}
	return &types.ConflictEntry{
		ID:            ulid.Make().String(),
		Kind:          kind,
		Table:         table,
		Key:           key,
		LocalPayload:  local,
		ServerPayload: server,
		ServerVersion: serverVersion,
		ServerDeleted: serverDeleted,
		DetectedAt:    r.now().UTC(),
	}
}

func (r *Resolver) logRecorded(c *types.ConflictEntry) {
	slog.Warn("conflict recorded",
		"component", "conflict",
		"conflict_id", c.ID,
		"operation_id", c.OperationID,
		"table", c.Table,
		"key", c.Key,
		"server_version", c.ServerVersion,
	)
}

// ListUnresolved returns conflicts awaiting a decision, oldest first.
func (r *Resolver) ListUnresolved(ctx context.Context) ([]types.ConflictEntry, error) {
	return r.store.ListConflicts(ctx, false)
}

// ListResolved returns conflicts that were resolved or abandoned.
func (r *Resolver) ListResolved(ctx context.Context) ([]types.ConflictEntry, error) {
	return r.store.ListConflicts(ctx, true)
}

// Get returns a single conflict.
func (r *Resolver) Get(ctx context.Context, id string) (*types.ConflictEntry, error) {
	return r.store.GetConflict(ctx, id)
}

// Resolve applies resolution to the conflict and returns the re-enqueued
// operation, or nil when nothing was enqueued.
//
//   - local re-enqueues the local payload once, as an update (or a delete if
//     the rejected operation was a delete).
//   - server accepts the server state and refreshes the cache from it.
//   - merge re-enqueues merged as an update; merged is required.
//
// Re-enqueued operations carry the conflict's server version as their base
// version, so a further concurrent change produces a new conflict rather
// than a silent overwrite.
func (r *Resolver) Resolve(ctx context.Context, id string, resolution types.Resolution, merged json.RawMessage) (*types.PendingOperation, error) {
	switch resolution {
	case types.ResolutionLocal, types.ResolutionServer:
	case types.ResolutionMerge:
		if len(merged) == 0 {
			return nil, fmt.Errorf("%w: merge requires a merged payload", ErrInvalidResolution)
		}
		if !json.Valid(merged) {
			return nil, fmt.Errorf("%w: merged payload is not valid JSON", ErrInvalidResolution)
		}
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidResolution, resolution)
	}

	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResolution, store.ErrAlreadyResolved)
	}

	var followUp *types.PendingOperation
	switch resolution {
	case types.ResolutionLocal:
		kind := types.KindUpdate
		if c.Kind == types.KindDelete {
			kind = types.KindDelete
		}
		followUp = r.followUp(c, kind, c.LocalPayload)
	case types.ResolutionMerge:
		followUp = r.followUp(c, types.KindUpdate, merged)
	}

	err = r.store.ResolveConflict(ctx, id, resolution, r.now().UTC(), followUp)
	if errors.Is(err, store.ErrAlreadyResolved) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResolution, err)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("conflict resolved",
		"component", "conflict",
		"conflict_id", id,
		"resolution", string(resolution),
		"table", c.Table,
		"key", c.Key,
	)

	r.refreshCache(ctx, c, resolution, merged)
	return followUp, nil
}

// Abandon closes the conflict without choosing a side. Nothing is
// re-enqueued and the cache is left as is.
func (r *Resolver) Abandon(ctx context.Context, id string) error {
	err := r.store.ResolveConflict(ctx, id, types.ResolutionAbandoned, r.now().UTC(), nil)
	if errors.Is(err, store.ErrAlreadyResolved) {
		return fmt.Errorf("%w: %w", ErrInvalidResolution, err)
	}
	if err != nil {
		return err
	}
	slog.Info("conflict abandoned", "component", "conflict", "conflict_id", id)
	return nil
}

func (r *Resolver) followUp(c *types.ConflictEntry, kind types.OperationKind, payload json.RawMessage) *types.PendingOperation {
	return &types.PendingOperation{
		ID:          ulid.Make().String(),
		Kind:        kind,
		Table:       c.Table,
		Key:         c.Key,
		Payload:     payload,
		BaseVersion: c.ServerVersion,
		Priority:    r.resolutionPriority,
		EnqueuedAt:  r.now().UTC(),
	}
}

// refreshCache brings the cache in line with the chosen state. The cache is
// advisory, so failures are logged and do not undo the resolution.
func (r *Resolver) refreshCache(ctx context.Context, c *types.ConflictEntry, resolution types.Resolution, merged json.RawMessage) {
	if r.cache == nil {
		return
	}

	var err error
	switch resolution {
	case types.ResolutionServer:
		if c.ServerDeleted {
			err = r.cache.Invalidate(ctx, c.Table, c.Key)
			break
		}
		_, err = r.cache.PutAuthoritative(ctx, c.Table, c.Key, c.ServerPayload, c.ServerVersion)
	case types.ResolutionMerge:
		_, err = r.cache.Put(ctx, c.Table, c.Key, merged)
	}
	if err != nil {
		slog.Warn("cache refresh after resolution failed",
			"component", "conflict",
			"conflict_id", c.ID,
			"error", err,
		)
	}
}
