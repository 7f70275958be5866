package queue

import (
	"errors"
	"strings"

	"github.com/hyperengineering/relay/internal/validation"
)

// ErrInvalidOperation is returned by Enqueue when the mutation fails
// validation. Nothing is written.
var ErrInvalidOperation = errors.New("invalid operation")

// InvalidOperationError lists the validation failures of a rejected
// mutation.
type InvalidOperationError struct {
	Errors []validation.ValidationError
}

func (e *InvalidOperationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return "invalid operation: " + strings.Join(msgs, "; ")
}

func (e *InvalidOperationError) Unwrap() error {
	return ErrInvalidOperation
}
