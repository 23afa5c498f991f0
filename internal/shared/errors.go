package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced record no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates input rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates an operation against a document in the wrong status.
	ErrInvalidState = errors.New("invalid state")
)

// PartialCommitError reports a multi-line operation that committed some of its
// sub-operations before failing. Succeeded carries the ids of the lines whose
// transactions already committed so the caller can retry only the remainder.
type PartialCommitError struct {
	Op        string
	Succeeded []int64
	Err       error
}

// Error implements the error interface.
func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("%s: %d line(s) committed before failure: %v", e.Op, len(e.Succeeded), e.Err)
}

// Unwrap exposes the underlying failure.
func (e *PartialCommitError) Unwrap() error {
	return e.Err
}
