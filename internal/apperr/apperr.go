// Package apperr defines the error kinds surfaced by the API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrValidation        = errors.New("validation error")
)

// Error is a classified error with a human-readable message
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Unauthenticated reports a missing actor identity
func Unauthenticated(format string, args ...any) *Error {
	return newError(ErrUnauthenticated, format, args...)
}

// Forbidden reports an actor lacking permission on the target entity
func Forbidden(format string, args ...any) *Error {
	return newError(ErrForbidden, format, args...)
}

// NotFound reports a missing or invisible entity
func NotFound(format string, args ...any) *Error {
	return newError(ErrNotFound, format, args...)
}

// InvalidTransition reports an unmet operation precondition
func InvalidTransition(format string, args ...any) *Error {
	return newError(ErrInvalidTransition, format, args...)
}

// Validation reports malformed input
func Validation(format string, args ...any) *Error {
	return newError(ErrValidation, format, args...)
}

// StatusCode maps an error to its HTTP status
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-visible message for err. Unexpected errors get a
// generic message so internals do not leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if StatusCode(err) == http.StatusInternalServerError {
		return "Internal server error"
	}
	return err.Error()
}
