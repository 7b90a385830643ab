// Package errors defines the typed error taxonomy surfaced to HTTP clients
// and consumed by handlers for status-code mapping.
package errors

import (
	"errors"
	"fmt"
)

// Code is one of the error categories clients may see.
type Code string

const (
	CodeBadRequest     Code = "BAD_REQUEST"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeForbidden      Code = "FORBIDDEN"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeLimitExceeded  Code = "LIMIT_EXCEEDED"
	CodeDuplicateKey   Code = "DUPLICATE_KEY"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Error is a tagged error carrying an HTTP-facing code and a human message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func new_(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func BadRequest(msg string, err error) *Error    { return new_(CodeBadRequest, msg, err) }
func Unauthorized(msg string) *Error             { return new_(CodeUnauthorized, msg, nil) }
func Forbidden(msg string) *Error                { return new_(CodeForbidden, msg, nil) }
func NotFound(kind, id string) *Error            { return new_(CodeNotFound, fmt.Sprintf("%s %q not found", kind, id), nil) }
func Conflict(msg string) *Error                 { return new_(CodeConflict, msg, nil) }
func LimitExceeded(msg string) *Error            { return new_(CodeLimitExceeded, msg, nil) }
func DuplicateKey(msg string) *Error             { return new_(CodeDuplicateKey, msg, nil) }
func Internal(msg string, err error) *Error      { return new_(CodeInternal, msg, err) }

// As is a thin wrapper over errors.As for the common case of extracting the
// tagged *Error from a wrapped error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the tagged code for err, defaulting to CodeInternal when
// err does not wrap an *Error.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// AssignedToDifferentWorker is returned when a worker reports completion,
// failure, or cancellation-confirmation for an execution currently assigned
// to a different worker id.
func AssignedToDifferentWorker(executionID string) *Error {
	return Conflict(fmt.Sprintf("execution %q is assigned to a different worker", executionID))
}

// AlreadyHandled is returned when an approval or wait step that is no
// longer in the waiting state receives a resolution attempt.
func AlreadyHandled(kind, id string) *Error {
	return Conflict(fmt.Sprintf("%s %q has already been handled", kind, id))
}
