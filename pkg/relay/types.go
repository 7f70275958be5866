package relay

import (
	"time"

	"github.com/hyperengineering/relay/internal/config"
	"github.com/hyperengineering/relay/internal/remote"
	"github.com/hyperengineering/relay/internal/snapshot"
	relaysync "github.com/hyperengineering/relay/internal/sync"
	"github.com/hyperengineering/relay/internal/types"
)

// Config holds the client configuration.
type Config struct {
	DataPath string // Local database path (required)
	ClientID string // Overrides the id stored in the database when set

	RemoteURL     string        // Remote mutation service base URL
	APIKey        string        // Bearer token for the remote service
	RemoteTimeout time.Duration // Per-request timeout (default: 30s)

	// Service replaces the HTTP client built from RemoteURL.
	Service Service

	DefaultPriority    int // Priority of enqueued operations (default: 0)
	ResolutionPriority int // Priority of conflict follow-ups (default: 100)

	Schedule      string        // Cron schedule for periodic drains, empty disables
	ProbeInterval time.Duration // Connectivity probe interval, zero disables probing
	Online        bool          // Initial connectivity state

	BackoffBase          time.Duration // First retry delay (default: 1s)
	BackoffMax           time.Duration // Retry delay cap (default: 5m)
	BackoffJitterPercent uint64        // Retry delay jitter

	Backup config.BackupConfig // Off-device backups, disabled without a bucket
}

// ConfigFrom maps the file and environment configuration onto a client
// Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		DataPath:             cfg.Client.DataPath,
		ClientID:             cfg.Client.ClientID,
		RemoteURL:            cfg.Remote.URL,
		APIKey:               cfg.Auth.APIKey,
		RemoteTimeout:        time.Duration(cfg.Remote.Timeout),
		DefaultPriority:      cfg.Sync.DefaultPriority,
		ResolutionPriority:   cfg.Sync.ResolutionPriority,
		Schedule:             cfg.Sync.Schedule,
		ProbeInterval:        time.Duration(cfg.Sync.ProbeInterval),
		BackoffBase:          time.Duration(cfg.Sync.BackoffBase),
		BackoffMax:           time.Duration(cfg.Sync.BackoffMax),
		BackoffJitterPercent: cfg.Sync.BackoffJitterPercent,
		Backup:               cfg.Backup,
	}
}

type (
	// Operation is a queued local mutation awaiting confirmation.
	Operation = types.PendingOperation
	// OperationKind is insert, update or delete.
	OperationKind = types.OperationKind
	// Conflict is a retired operation together with the server state it
	// collided with.
	Conflict = types.ConflictEntry
	// Resolution is the choice recorded for a conflict.
	Resolution = types.Resolution
	// RecordState is the authoritative state of a record on the remote
	// service.
	RecordState = types.RecordState
	// CachedEntry is a locally cached record.
	CachedEntry = types.CachedEntry

	// DrainSummary reports one pass over the queue.
	DrainSummary = relaysync.DrainSummary
	// OperationResult reports the outcome for one operation in a drain.
	OperationResult = relaysync.OperationResult
	// Outcome is what a drain did with one operation.
	Outcome = relaysync.Outcome

	// Service is the remote mutation service.
	Service = remote.Service
	// Mutation is one operation submitted to the service.
	Mutation = remote.Mutation
	// Result is a successful service response.
	Result = remote.Result
	// ConflictError is returned by a Service when the record changed
	// concurrently.
	ConflictError = remote.ConflictError

	// BackupResult describes a completed backup.
	BackupResult = snapshot.Result
)

const (
	KindInsert = types.KindInsert
	KindUpdate = types.KindUpdate
	KindDelete = types.KindDelete

	ResolutionLocal     = types.ResolutionLocal
	ResolutionServer    = types.ResolutionServer
	ResolutionMerge     = types.ResolutionMerge
	ResolutionAbandoned = types.ResolutionAbandoned

	OutcomeSynced   = relaysync.OutcomeSynced
	OutcomeFailed   = relaysync.OutcomeFailed
	OutcomeConflict = relaysync.OutcomeConflict
	OutcomeDeferred = relaysync.OutcomeDeferred
)

// Status is a point-in-time view of the client.
type Status struct {
	ClientID           string    `json:"client_id"`
	Online             bool      `json:"online"`
	Syncing            bool      `json:"syncing"`
	PendingOperations  int64     `json:"pending_operations"`
	FailingOperations  int64     `json:"failing_operations"`
	UnresolvedConflict int64     `json:"unresolved_conflicts"`
	CacheEntries       int64     `json:"cache_entries"`
	NextScheduledDrain time.Time `json:"next_scheduled_drain,omitempty"`
}

// EnqueueOption customises an enqueued operation.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority    *int
	baseVersion *int64
}

// WithPriority overrides the default priority. Higher priorities drain
// first.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = &p }
}

// WithBaseVersion sets the server version the mutation is based on. By
// default it is taken from the cached entry for the record.
func WithBaseVersion(v int64) EnqueueOption {
	return func(o *enqueueOptions) { o.baseVersion = &v }
}
