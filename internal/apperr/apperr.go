// Package apperr defines the error taxonomy shared by the gateway components.
// Callers return one of the constructors below; the HTTP layer maps the kind to a status code.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Error is a caller-facing error of a known kind.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

func newError(kind error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Validation reports a missing or malformed request field.
func Validation(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

// NotFound reports an unknown credential or device id.
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

func PreconditionFailed(format string, args ...any) error {
	return newError(ErrPreconditionFailed, format, args...)
}

// IsExpected reports whether err belongs to the taxonomy, i.e. is not an internal failure.
func IsExpected(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrPreconditionFailed)
}
