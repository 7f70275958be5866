// Package sync drains the operation queue against the remote mutation
// service.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/relay/internal/remote"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
)

// Queue is the subset of the operation queue the coordinator drives.
type Queue interface {
	ListPending(ctx context.Context) ([]types.PendingOperation, error)
	Remove(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error
	Rebase(ctx context.Context, table, key string, fromVersion, toVersion int64) (int64, error)
}

// ConflictRecorder retires an operation into a conflict entry.
type ConflictRecorder interface {
	RecordFromOperation(ctx context.Context, op *types.PendingOperation, current types.RecordState) (*types.ConflictEntry, error)
}

// CacheRefresher stores authoritative payloads echoed by the service.
type CacheRefresher interface {
	PutAuthoritative(ctx context.Context, table, key string, payload []byte, serverVersion int64) (*types.CachedEntry, error)
}

// Connectivity reports whether the remote service is believed reachable.
type Connectivity interface {
	Online() bool
}

// Coordinator is the single sync actor of a client. At most one drain runs
// at a time; requests arriving while one is active are coalesced.
type Coordinator struct {
	queue     Queue
	remote    remote.Service
	conflicts ConflictRecorder
	cache     CacheRefresher
	online    Connectivity
	backoff   *Backoff

	running atomic.Bool
	rearm   atomic.Bool
	trigger chan struct{}
	now     func() time.Time
}

// NewCoordinator wires a coordinator. cache and online may be nil: without
// a cache nothing is refreshed, without connectivity the client is assumed
// online.
func NewCoordinator(q Queue, svc remote.Service, conflicts ConflictRecorder, cache CacheRefresher, online Connectivity, backoff *Backoff) *Coordinator {
	if backoff == nil {
		backoff = NewBackoff(DefaultBackoffBase, DefaultBackoffMax, 0)
	}
	return &Coordinator{
		queue:     q,
		remote:    svc,
		conflicts: conflicts,
		cache:     cache,
		online:    online,
		backoff:   backoff,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Trigger asks the background actor for a drain. It never blocks; several
// triggers before the actor wakes up collapse into one drain.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run is the background actor. It drains on every trigger while online and
// returns when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started", "component", "sync")

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped",
				"component", "sync",
				"reason", "context_cancelled",
			)
			return
		case <-c.trigger:
			if !c.isOnline() {
				slog.Debug("drain trigger ignored while offline", "component", "sync")
				continue
			}
			if _, err := c.Drain(ctx); err != nil && ctx.Err() == nil {
				slog.Error("drain failed", "component", "sync", "error", err)
			}
		}
	}
}

// Drain runs a trigger-driven pass: nothing happens while offline, and
// operations still inside their backoff window are deferred.
func (c *Coordinator) Drain(ctx context.Context) (*DrainSummary, error) {
	if !c.isOnline() {
		return &DrainSummary{Results: []OperationResult{}}, nil
	}
	return c.drain(ctx, false)
}

// DrainNow runs an explicit pass that attempts every pending operation,
// ignoring backoff windows and the connectivity signal.
func (c *Coordinator) DrainNow(ctx context.Context) (*DrainSummary, error) {
	return c.drain(ctx, true)
}

// Running reports whether a drain is in flight.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

func (c *Coordinator) isOnline() bool {
	return c.online == nil || c.online.Online()
}

func (c *Coordinator) drain(ctx context.Context, force bool) (*DrainSummary, error) {
	if !c.running.CompareAndSwap(false, true) {
		// The running pass may have listed the queue before this request's
		// operations arrived, so another pass follows it.
		c.rearm.Store(true)
		if !c.running.Load() && c.rearm.Swap(false) {
			c.Trigger()
		}
		slog.Debug("drain coalesced into running pass", "component", "sync")
		return &DrainSummary{Coalesced: true, Results: []OperationResult{}}, nil
	}
	defer func() {
		c.running.Store(false)
		if c.rearm.Swap(false) {
			c.Trigger()
		}
	}()

	start := c.now()
	summary := &DrainSummary{Results: []OperationResult{}}
	defer func() { summary.Duration = c.now().Sub(start) }()

	ops, err := c.queue.ListPending(ctx)
	if err != nil {
		return summary, err
	}
	if len(ops) == 0 {
		return summary, nil
	}

	// remaining counts queued operations per record so the cache is only
	// refreshed from the server once no later local write is pending.
	remaining := make(map[recordRef]int, len(ops))
	for i := range ops {
		remaining[refOf(&ops[i])]++
	}
	blocked := make(map[recordRef]bool)

	slog.Info("drain started",
		"component", "sync",
		"pending", len(ops),
		"force", force,
	)

	for i := range ops {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		op := &ops[i]
		ref := refOf(op)
		remaining[ref]--

		if blocked[ref] {
			summary.add(resultFor(op, OutcomeDeferred, "earlier operation on the same record is pending"))
			continue
		}
		if !force && op.NextAttemptAt != nil && op.NextAttemptAt.After(c.now()) {
			blocked[ref] = true
			summary.add(resultFor(op, OutcomeDeferred, op.LastError))
			continue
		}

		result, err := c.process(ctx, op, remaining[ref] == 0)
		if err != nil {
			return summary, err
		}
		if result.Outcome == OutcomeFailed {
			blocked[ref] = true
		}
		summary.add(result)

		if result.Outcome == OutcomeSynced && op.BaseVersion != 0 &&
			result.ServerVersion != 0 && result.ServerVersion != op.BaseVersion {
			if err := c.rebase(ctx, ops[i+1:], op, result.ServerVersion); err != nil {
				return summary, err
			}
		}
	}

	slog.Info("drain completed",
		"component", "sync",
		"synced", summary.Synced,
		"failed", summary.Failed,
		"conflicts", summary.Conflicts,
		"deferred", summary.Deferred,
		"duration_ms", c.now().Sub(start).Milliseconds(),
	)
	return summary, nil
}

// process submits one operation and applies the outcome. Once submitted, an
// operation runs to completion: cancellation of ctx is only observed
// between operations. The returned error is non-nil only when local storage
// failed, which ends the drain.
func (c *Coordinator) process(ctx context.Context, op *types.PendingOperation, lastForRecord bool) (OperationResult, error) {
	ctx = context.WithoutCancel(ctx)
	res, err := remote.Submit(ctx, c.remote, op)

	if err == nil {
		if rmErr := c.queue.Remove(ctx, op.ID); rmErr != nil {
			// The service applied the mutation; a replay is absorbed by the
			// idempotency key.
			slog.Error("failed to remove synced operation",
				"component", "sync",
				"operation_id", op.ID,
				"error", rmErr,
			)
			if errors.Is(rmErr, store.ErrStorageUnavailable) {
				return resultFor(op, OutcomeSynced, ""), rmErr
			}
		}
		if lastForRecord {
			c.refreshCache(ctx, op, res)
		}
		r := resultFor(op, OutcomeSynced, "")
		if res != nil && res.State != nil {
			r.ServerVersion = res.State.Version
		}
		return r, nil
	}

	if ce, ok := remote.IsConflict(err); ok {
		entry, recErr := c.conflicts.RecordFromOperation(ctx, op, ce.Current)
		if recErr != nil {
			return resultFor(op, OutcomeFailed, recErr.Error()), recErr
		}
		r := resultFor(op, OutcomeConflict, err.Error())
		r.ConflictID = entry.ID
		return r, nil
	}

	failures := op.RetryCount + 1
	next := c.now().Add(c.backoff.Delay(failures))
	slog.Warn("operation sync failed",
		"component", "sync",
		"operation_id", op.ID,
		"table", op.Table,
		"key", op.Key,
		"retry_count", failures,
		"next_attempt_at", next,
		"error", err,
	)
	if mfErr := c.queue.MarkFailed(ctx, op.ID, err, next); mfErr != nil && !errors.Is(mfErr, store.ErrNotFound) {
		return resultFor(op, OutcomeFailed, err.Error()), mfErr
	}

	r := resultFor(op, OutcomeFailed, err.Error())
	r.RetryCount = failures
	return r, nil
}

// rebase moves the record's remaining operations that shared op's base
// version onto the version op produced, both in the store and in the
// current pass.
func (c *Coordinator) rebase(ctx context.Context, later []types.PendingOperation, op *types.PendingOperation, version int64) error {
	n, err := c.queue.Rebase(context.WithoutCancel(ctx), op.Table, op.Key, op.BaseVersion, version)
	if err != nil {
		slog.Error("failed to rebase queued operations",
			"component", "sync",
			"operation_id", op.ID,
			"table", op.Table,
			"key", op.Key,
			"error", err,
		)
		return err
	}
	for j := range later {
		if later[j].Table == op.Table && later[j].Key == op.Key && later[j].BaseVersion == op.BaseVersion {
			later[j].BaseVersion = version
		}
	}
	if n > 0 {
		slog.Debug("queued operations rebased",
			"component", "sync",
			"table", op.Table,
			"key", op.Key,
			"from_version", op.BaseVersion,
			"to_version", version,
			"count", n,
		)
	}
	return nil
}

func (c *Coordinator) refreshCache(ctx context.Context, op *types.PendingOperation, res *remote.Result) {
	if c.cache == nil || res == nil || res.State == nil || res.State.Deleted || op.Kind == types.KindDelete {
		return
	}
	if _, err := c.cache.PutAuthoritative(ctx, op.Table, op.Key, res.State.Payload, res.State.Version); err != nil {
		slog.Warn("cache refresh after sync failed",
			"component", "sync",
			"operation_id", op.ID,
			"error", err,
		)
	}
}

type recordRef struct {
	table string
	key   string
}

func refOf(op *types.PendingOperation) recordRef {
	return recordRef{table: op.Table, key: op.Key}
}

func resultFor(op *types.PendingOperation, outcome Outcome, errText string) OperationResult {
	return OperationResult{
		OperationID: op.ID,
		Kind:        op.Kind,
		Table:       op.Table,
		Key:         op.Key,
		Outcome:     outcome,
		Error:       errText,
		RetryCount:  op.RetryCount,
	}
}
