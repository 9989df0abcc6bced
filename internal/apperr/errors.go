// Package apperr defines coded application errors shared by the service and
// HTTP layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of application error.
type Code string

const (
	Internal   Code = "INTERNAL_ERROR"
	Invalid    Code = "INVALID_INPUT"
	Validation Code = "VALIDATION_ERROR"
	NotFound   Code = "NOT_FOUND"
	Conflict   Code = "CONFLICT"
	Permission Code = "PERMISSION_DENIED"
	Unauthed   Code = "UNAUTHORIZED"

	SyncFailed       Code = "SYNC_FAILED"
	SyncPrecondition Code = "SYNC_PRECONDITION"
	QueueFull        Code = "QUEUE_FULL"
)

// Error is an application error with a code and a human readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return Internal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// MessageOf returns the public message for err. Errors without a code get a
// generic message so internals do not leak to clients.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Invalid, Validation, SyncPrecondition:
		return http.StatusBadRequest
	case Permission:
		return http.StatusForbidden
	case Unauthed:
		return http.StatusUnauthorized
	case Conflict:
		return http.StatusConflict
	case QueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
