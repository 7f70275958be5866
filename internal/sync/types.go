package sync

import (
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

// Outcome is what a drain did with one pending operation.
type Outcome string

const (
	// OutcomeSynced: the remote service confirmed the operation and it was
	// removed from the queue.
	OutcomeSynced Outcome = "synced"
	// OutcomeFailed: a retryable failure was recorded on the operation.
	OutcomeFailed Outcome = "failed"
	// OutcomeConflict: the operation was retired into a conflict entry.
	OutcomeConflict Outcome = "conflict"
	// OutcomeDeferred: the operation was not attempted, either because its
	// backoff has not elapsed or an earlier operation on the same record
	// did not go through in this drain.
	OutcomeDeferred Outcome = "deferred"
)

// OperationResult reports the outcome for one operation. ServerVersion is
// the record version the service reported for a synced operation, when it
// echoed one.
type OperationResult struct {
	OperationID   string              `json:"operation_id"`
	Kind          types.OperationKind `json:"kind"`
	Table         string              `json:"table"`
	Key           string              `json:"key"`
	Outcome       Outcome             `json:"outcome"`
	Error         string              `json:"error,omitempty"`
	ConflictID    string              `json:"conflict_id,omitempty"`
	RetryCount    int                 `json:"retry_count,omitempty"`
	ServerVersion int64               `json:"server_version,omitempty"`
}

// DrainSummary reports one pass over the queue. A coalesced request did no
// work because another drain was already running.
type DrainSummary struct {
	Synced    int               `json:"synced"`
	Failed    int               `json:"failed"`
	Conflicts int               `json:"conflicts"`
	Deferred  int               `json:"deferred"`
	Coalesced bool              `json:"coalesced,omitempty"`
	Results   []OperationResult `json:"results"`
	Duration  time.Duration     `json:"duration"`
}

// Processed returns the number of operations that were attempted.
func (s *DrainSummary) Processed() int {
	return s.Synced + s.Failed + s.Conflicts
}

func (s *DrainSummary) add(r OperationResult) {
	switch r.Outcome {
	case OutcomeSynced:
		s.Synced++
	case OutcomeFailed:
		s.Failed++
	case OutcomeConflict:
		s.Conflicts++
	case OutcomeDeferred:
		s.Deferred++
	}
	s.Results = append(s.Results, r)
}
