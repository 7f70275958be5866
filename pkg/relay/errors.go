package relay

import (
	"errors"

	"github.com/hyperengineering/relay/internal/conflict"
	"github.com/hyperengineering/relay/internal/queue"
	"github.com/hyperengineering/relay/internal/remote"
	"github.com/hyperengineering/relay/internal/snapshot"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
)

var (
	// ErrStorageUnavailable is returned when the local database fails.
	ErrStorageUnavailable = store.ErrStorageUnavailable
	// ErrNotFound is returned for unknown operation or conflict ids.
	ErrNotFound = store.ErrNotFound
	// ErrAlreadyResolved is returned when resolving a closed conflict.
	ErrAlreadyResolved = store.ErrAlreadyResolved
	// ErrInvalidOperation is returned by the Enqueue methods when the
	// mutation is rejected by validation.
	ErrInvalidOperation = queue.ErrInvalidOperation
	// ErrInvalidResolution is returned for an unusable resolution choice.
	ErrInvalidResolution = conflict.ErrInvalidResolution
	// ErrNetworkFailure wraps transport failures talking to the remote
	// service.
	ErrNetworkFailure = remote.ErrNetworkFailure
	// ErrBackupNotConfigured is returned by Backup without a bucket.
	ErrBackupNotConfigured = snapshot.ErrNotConfigured

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("relay client is closed")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("relay client already started")
	// ErrFetchUnsupported is returned by Fetch when the configured
	// service cannot read records.
	ErrFetchUnsupported = errors.New("remote service does not support reads")
)

// InvalidOperationError lists the validation failures of a rejected
// mutation.
type InvalidOperationError = queue.InvalidOperationError

// ParseResolution converts a string into an operator-selectable resolution.
func ParseResolution(s string) (Resolution, error) {
	return types.ParseResolution(s)
}

// ParseOperationKind converts a string into an operation kind.
func ParseOperationKind(s string) (OperationKind, error) {
	return types.ParseOperationKind(s)
}
