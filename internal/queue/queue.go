// Package queue holds mutations durably until the sync coordinator confirms
// them with the remote service.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
	"github.com/hyperengineering/relay/internal/validation"
	"github.com/oklog/ulid/v2"
)

// Signaler is notified after a successful enqueue while online. Trigger must
// not block.
type Signaler interface {
	Trigger()
}

// Connectivity reports whether the remote service is believed reachable.
type Connectivity interface {
	Online() bool
}

// Queue is the durable operation queue.
type Queue struct {
	store           store.OperationStore
	online          Connectivity
	signaler        Signaler
	defaultPriority int
	now             func() time.Time
}

// New creates a queue over s. online may be nil, in which case enqueues
// never signal.
func New(s store.OperationStore, online Connectivity, defaultPriority int) *Queue {
	return &Queue{
		store:           s,
		online:          online,
		defaultPriority: defaultPriority,
		now:             time.Now,
	}
}

// SetSignaler sets the component notified after enqueues. It is set after
// construction because the coordinator itself depends on the queue.
func (q *Queue) SetSignaler(s Signaler) {
	q.signaler = s
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*types.PendingOperation)

// WithPriority overrides the default priority. Higher drains first.
func WithPriority(p int) EnqueueOption {
	return func(op *types.PendingOperation) { op.Priority = p }
}

// WithBaseVersion sets the server version the mutation was based on. The
// remote service rejects the mutation as a conflict if the record has moved
// past it.
func WithBaseVersion(v int64) EnqueueOption {
	return func(op *types.PendingOperation) { op.BaseVersion = v }
}

// Enqueue validates and durably appends a mutation, returning the stored
// operation. When online, the signaler is triggered after the write
// commits; the caller never waits for a sync attempt.
func (q *Queue) Enqueue(ctx context.Context, kind types.OperationKind, table, key string, payload []byte, opts ...EnqueueOption) (*types.PendingOperation, error) {
	if errs := validation.ValidateOperation(kind, table, key, payload); len(errs) > 0 {
		return nil, &InvalidOperationError{Errors: errs}
	}

	op := &types.PendingOperation{
		ID:         ulid.Make().String(),
		Kind:       kind,
		Table:      table,
		Key:        key,
		Priority:   q.defaultPriority,
		EnqueuedAt: q.now().UTC(),
	}
	if len(payload) > 0 {
		op.Payload = json.RawMessage(payload)
	}
	for _, opt := range opts {
		opt(op)
	}

	if err := q.store.InsertOperation(ctx, op); err != nil {
		return nil, err
	}

	slog.Debug("operation enqueued",
		"component", "queue",
		"operation_id", op.ID,
		"kind", string(op.Kind),
		"table", op.Table,
		"key", op.Key,
		"priority", op.Priority,
	)

	if q.signaler != nil && q.online != nil && q.online.Online() {
		q.signaler.Trigger()
	}
	return op, nil
}

// ListPending returns every pending operation ordered by priority
// descending, then enqueue order.
func (q *Queue) ListPending(ctx context.Context) ([]types.PendingOperation, error) {
	return q.store.ListOperations(ctx)
}

// Get returns a single pending operation.
func (q *Queue) Get(ctx context.Context, id string) (*types.PendingOperation, error) {
	return q.store.GetOperation(ctx, id)
}

// Remove deletes an operation. Removing an unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.DeleteOperation(ctx, id)
}

// MarkFailed records a failed sync attempt: retry_count is incremented,
// cause is stored as last_error and the operation stays queued until
// nextAttemptAt for trigger-driven drains.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return q.store.RecordOperationFailure(ctx, id, msg, nextAttemptAt)
}

// Rebase points queued operations on table/key that were based on
// fromVersion at toVersion. The coordinator calls it once one of the
// record's own writes was applied, so the rest of the queue replays on top
// of it instead of conflicting with it.
func (q *Queue) Rebase(ctx context.Context, table, key string, fromVersion, toVersion int64) (int64, error) {
	return q.store.RebaseOperations(ctx, table, key, fromVersion, toVersion)
}
