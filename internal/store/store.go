package store

import (
	"context"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

// OperationStore is the pending-operations collection.
type OperationStore interface {
	InsertOperation(ctx context.Context, op *types.PendingOperation) error
	GetOperation(ctx context.Context, id string) (*types.PendingOperation, error)
	ListOperations(ctx context.Context) ([]types.PendingOperation, error)
	DeleteOperation(ctx context.Context, id string) error
	RecordOperationFailure(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error
	RebaseOperations(ctx context.Context, table, key string, fromVersion, toVersion int64) (int64, error)
}

// CacheStore is the cached-entries collection.
type CacheStore interface {
	UpsertCacheEntry(ctx context.Context, entry *types.CachedEntry) error
	GetCacheEntry(ctx context.Context, table, key string) (*types.CachedEntry, error)
	DeleteCacheEntry(ctx context.Context, table, key string) error
	DeleteCacheEntries(ctx context.Context, table string) (int64, error)
}

// ConflictStore is the conflict log.
type ConflictStore interface {
	InsertConflict(ctx context.Context, c *types.ConflictEntry) error
	ConvertOperationToConflict(ctx context.Context, operationID string, c *types.ConflictEntry) error
	GetConflict(ctx context.Context, id string) (*types.ConflictEntry, error)
	ListConflicts(ctx context.Context, resolved bool) ([]types.ConflictEntry, error)
	ResolveConflict(ctx context.Context, id string, resolution types.Resolution, resolvedAt time.Time, followUp *types.PendingOperation) error
}

// ClientStore is the full durable store used by the sync core.
type ClientStore interface {
	OperationStore
	CacheStore
	ConflictStore
	ClientID(ctx context.Context) (string, error)
	Stats(ctx context.Context) (*types.StoreStats, error)
	Snapshot(ctx context.Context, destPath string) error
	Close() error
}

var _ ClientStore = (*SQLiteStore)(nil)
