package openai

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider API failures.
type ErrorKind string

// Provider error kinds.
const (
	KindUnauthorized  ErrorKind = "unauthorized"
	KindNotFound      ErrorKind = "not_found"
	KindBadRequest    ErrorKind = "bad_request"
	KindServerError   ErrorKind = "server_error"
	KindHTTPError     ErrorKind = "http_error"
	KindRequestFailed ErrorKind = "request_failed"
)

// Error is a classified provider API failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("openai: %s (status=%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("openai: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is worth retrying.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindServerError, KindRequestFailed:
		return true
	}
	return false
}

// IsNotFound reports whether err is a provider not_found error.
func IsNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindNotFound
}

// mapStatusError converts a non-2xx response into a classified Error.
func mapStatusError(status int, body string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Status: status, Message: body}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Status: status, Message: body}
	case status == http.StatusBadRequest:
		return &Error{Kind: KindBadRequest, Status: status, Message: body}
	case status >= 500:
		return &Error{Kind: KindServerError, Status: status, Message: body}
	default:
		return &Error{Kind: KindHTTPError, Status: status, Message: body}
	}
}

// requestFailed wraps a transport-level failure.
func requestFailed(err error) *Error {
	return &Error{Kind: KindRequestFailed, Message: err.Error(), Cause: err}
}
