package jobs

import "errors"

var (
	// ErrNotFound means no job exists with the given id.
	ErrNotFound = errors.New("job not found")

	// ErrForbidden means the job belongs to a different account.
	ErrForbidden = errors.New("job belongs to another account")

	// ErrStale means a compare-and-set status update lost to a concurrent
	// transition; callers should re-read instead of retrying blindly.
	ErrStale = errors.New("job status changed concurrently")
)

// ValidationError rejects an upload before any side effect happens.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// StorageError wraps an artifact store failure surfaced to the caller.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "artifact storage failed: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
