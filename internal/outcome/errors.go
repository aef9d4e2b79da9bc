package outcome

import (
	"errors"
	"fmt"
)

var (
	// ErrSafetyBlock means the content carried self-harm risk. Nothing was
	// persisted and the caller should surface crisis resources.
	ErrSafetyBlock = errors.New("content blocked for safety")

	// ErrRateLimited means a hard throttle was exceeded.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound means the referenced record does not exist or is not owned
	// by the caller.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports malformed input rejected before classification.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// RepositoryError wraps a persistence failure. Its message is generic so it
// can be returned to callers; the cause is only reachable through Unwrap.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return "storage failure during " + e.Op
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// Repo wraps err as a RepositoryError for op. It returns nil for a nil err
// and passes through errors already classified by this package.
func Repo(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RepositoryError
	if errors.As(err, &re) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &RepositoryError{Op: op, Err: err}
}
