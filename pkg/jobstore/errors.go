package jobstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for job store operations.
var (
	// ErrJobNotFound indicates no row exists for the requested job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates a status change that would move a job backwards.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidStatus indicates a status value outside the four known states.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidOptions indicates the options blob is not valid JSON.
	ErrInvalidOptions = errors.New("job options must be valid JSON")
)

// StorageError wraps a persistence failure with the operation that failed.
type StorageError struct {
	// Op is the store operation (e.g., "enqueue", "claim_next").
	Op string

	// Err is the underlying driver error.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("job store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsStorageError returns true if err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
