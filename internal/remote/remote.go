// Package remote is the client side of the remote mutation service: the
// authoritative store that pending operations are replayed against.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/relay/internal/types"
)

// Mutation is one operation submitted to the service. OperationID is sent
// as the idempotency key so a replayed submission is applied once.
type Mutation struct {
	OperationID string
	Table       string
	Key         string
	Payload     json.RawMessage
	// BaseVersion, when non-zero, is the record version the mutation was
	// based on. The service answers with a conflict if it no longer holds.
	BaseVersion int64
}

// Result is a successful response. State is the authoritative record state
// after the mutation when the service echoes it, nil otherwise.
type Result struct {
	State *types.RecordState
}

// Service is the remote mutation service. Implementations return a
// *ConflictError when the record changed concurrently and any other error
// for retryable failures.
type Service interface {
	Create(ctx context.Context, m Mutation) (*Result, error)
	Replace(ctx context.Context, m Mutation) (*Result, error)
	Delete(ctx context.Context, m Mutation) (*Result, error)
}

// MutationFor builds the mutation carrying op.
func MutationFor(op *types.PendingOperation) Mutation {
	return Mutation{
		OperationID: op.ID,
		Table:       op.Table,
		Key:         op.Key,
		Payload:     op.Payload,
		BaseVersion: op.BaseVersion,
	}
}

// Submit maps the kind of op onto the corresponding service call.
func Submit(ctx context.Context, svc Service, op *types.PendingOperation) (*Result, error) {
	m := MutationFor(op)
	switch op.Kind {
	case types.KindInsert:
		return svc.Create(ctx, m)
	case types.KindUpdate:
		return svc.Replace(ctx, m)
	case types.KindDelete:
		return svc.Delete(ctx, m)
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}
