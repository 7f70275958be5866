package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationKind identifies the mutation a PendingOperation carries.
type OperationKind string

const (
	KindInsert OperationKind = "insert"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	}
	return false
}

// ParseOperationKind converts a string into an OperationKind.
func ParseOperationKind(s string) (OperationKind, error) {
	k := OperationKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
	return k, nil
}

// Resolution is the operator's decision for a ConflictEntry.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
	ResolutionMerge  Resolution = "merge"
	// ResolutionAbandoned marks a conflict the operator dropped without
	// choosing a side. Nothing is re-enqueued.
	ResolutionAbandoned Resolution = "abandoned"
)

// ParseResolution converts a string into one of the operator-selectable
// resolutions (local, server, merge).
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionLocal, ResolutionServer, ResolutionMerge:
		return r, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// PendingOperation is a durable record of one not-yet-confirmed mutation.
// It stays queued until the remote service confirms it or a conflict
// retires it.
type PendingOperation struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Kind        OperationKind   `json:"kind"`
	Table       string          `json:"table"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version,omitempty"`
	Priority    int             `json:"priority"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	// NextAttemptAt is nil until the first failure.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// CachedEntry is a locally materialized read snapshot of one record.
type CachedEntry struct {
	Table         string          `json:"table"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	Version       int64           `json:"version"`
	ServerVersion int64           `json:"server_version,omitempty"`
	Checksum      string          `json:"checksum"`
	CachedAt      time.Time       `json:"cached_at"`
}

// ConflictEntry records a mutation the remote service rejected because the
// record changed concurrently. It is immutable once Resolved is true.
type ConflictEntry struct {
	ID            string          `json:"id"`
	OperationID   string          `json:"operation_id"`
	Kind          OperationKind   `json:"kind"`
	Table         string          `json:"table"`
	Key           string          `json:"key"`
	LocalPayload  json.RawMessage `json:"local_payload,omitempty"`
	ServerPayload json.RawMessage `json:"server_payload,omitempty"`
	ServerVersion int64           `json:"server_version"`
	ServerDeleted bool            `json:"server_deleted,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
	Resolved      bool            `json:"resolved"`
	Resolution    Resolution      `json:"resolution,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// StoreStats summarizes the client durable store.
type StoreStats struct {
	PendingOperations  int64 `json:"pending_operations"`
	FailingOperations  int64 `json:"failing_operations"`
	UnresolvedConflict int64 `json:"unresolved_conflicts"`
	CacheEntries       int64 `json:"cache_entries"`
}

// RecordState is the authoritative state of a record as held by the remote
// mutation service. Absent records are reported as deleted with version 0.
type RecordState struct {
	Table     string          `json:"table"`
	Key       string          `json:"key"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// HealthResponse is returned by the remote service health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	RecordCount int64  `json:"record_count"`
}
