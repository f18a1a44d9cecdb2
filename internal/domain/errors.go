package domain

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrActiveJobs        = errors.New("task has queued or running jobs")
	ErrVersionConflict   = errors.New("task was modified concurrently")
	ErrStaleClaim        = errors.New("job claim is no longer held")
	ErrNotEditable       = errors.New("task is not editable in its current state")
	ErrAlreadyExists     = errors.New("already exists")
)

// ValidationError is returned before any mutation when an input is invalid.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil for an empty collection so callers can `return errs.Err()`.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

func Invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func NotFound(kind, id string) error { return NotFoundError{Kind: kind, ID: id} }

func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var v ValidationError
	var vs ValidationErrors
	return errors.As(err, &v) || errors.As(err, &vs)
}
