package remote

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/relay/internal/types"
)

// ErrNetworkFailure wraps transport-level failures: refused connections,
// timeouts, DNS errors, truncated responses.
var ErrNetworkFailure = errors.New("network failure")

// ConflictError reports that the record changed concurrently. Current is
// the authoritative state returned by the service.
type ConflictError struct {
	Current types.RecordState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s: server is at version %d",
		e.Current.Table, e.Current.Key, e.Current.Version)
}

// StatusError is a non-2xx response that is not a usable conflict. It is
// retryable.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("remote service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote service returned status %d: %s", e.StatusCode, e.Detail)
}
