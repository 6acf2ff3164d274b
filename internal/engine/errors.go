package engine

import (
	"errors"
	"fmt"

	"freeflow/internal/repo"
)

// Error kinds. Every rejected command returns an *Error wrapping one of these,
// so callers match with errors.Is.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = repo.ErrNotFound
	ErrInvalidState = errors.New("invalid state")
	ErrPrecondition = errors.New("precondition failed")
	ErrConflict     = errors.New("conflict")
)

type Error struct {
	Kind error
	Msg  string
	// Existing is the record a ConflictError collided with.
	Existing any
}

func (e *Error) Error() string { return e.Kind.Error() + ": " + e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func invalidStatef(format string, args ...any) error {
	return &Error{Kind: ErrInvalidState, Msg: fmt.Sprintf(format, args...)}
}

func preconditionf(format string, args ...any) error {
	return &Error{Kind: ErrPrecondition, Msg: fmt.Sprintf(format, args...)}
}

func conflictf(existing any, format string, args ...any) error {
	return &Error{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...), Existing: existing}
}

func notFound(kind, id string) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf("%s %s not found", kind, id)}
}

// lookup turns repo.ErrNotFound into a NotFoundError naming the entity.
func lookup(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFound(kind, id)
	}
	return err
}

// stale maps a lost guarded update to an InvalidStateError.
func stale(err error, kind, id string) error {
	if errors.Is(err, repo.ErrStaleStatus) {
		return invalidStatef("%s %s changed concurrently", kind, id)
	}
	return lookup(err, kind, id)
}

// ExistingFrom returns the record carried by a ConflictError, if any.
func ExistingFrom(err error) (any, bool) {
	var e *Error
	if errors.As(err, &e) && e.Existing != nil {
		return e.Existing, true
	}
	return nil, false
}
