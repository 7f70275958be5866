package store

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/relay/internal/types"
)

var (
	// ErrStorageUnavailable wraps every failure of the underlying database.
	// Callers must assume nothing was written when they see it.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("entry not found")
	ErrAlreadyResolved    = errors.New("conflict already resolved")
	// ErrRecordConflict is returned by the server record store when a
	// precondition on the current record version does not hold.
	ErrRecordConflict = errors.New("record changed concurrently")
)

// unavailable wraps a database failure so that it matches both
// ErrStorageUnavailable and the underlying cause.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// RecordConflictError carries the current server state of a record whose
// version precondition failed.
type RecordConflictError struct {
	Current *types.RecordState
}

func (e *RecordConflictError) Error() string {
	return fmt.Sprintf("record %s/%s changed concurrently (current version %d)",
		e.Current.Table, e.Current.Key, e.Current.Version)
}

func (e *RecordConflictError) Unwrap() error {
	return ErrRecordConflict
}
