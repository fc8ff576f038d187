package store

import (
	"errors"
	"fmt"

	"github.com/surrealdb/annosync/pkg/models"
)

var (
	// ErrNotFound is wrapped by every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is wrapped by every ConnectionError.
	ErrUnavailable = errors.New("document store unavailable")
)

// NotFoundError reports a missing primary record, for example the schema of
// a document that is being annotated.
type NotFoundError struct {
	Kind models.EntityKind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConnectionError reports that the document store could not be reached.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Backend, ErrUnavailable)
	}
	return fmt.Sprintf("%s: %v: %v", e.Backend, ErrUnavailable, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// PartialWriteError reports a projection write that failed after the primary
// mutation committed.
type PartialWriteError struct {
	Kind     models.EntityKind
	ID       string
	Op       models.ChangeOperation
	Attempts int
	Err      error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("failed to propagate %s %s %s after %d attempt(s): %v", e.Op, e.Kind, e.ID, e.Attempts, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports whether err is or wraps ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
