// Package brokererr defines the broker's error taxonomy so callers can
// branch on a stable Kind without parsing message strings, while still
// carrying the underlying cause for logs.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the broker's design.
type Kind string

const (
	// Auth errors.
	KindAuthenticationFailed Kind = "authentication_failed"
	KindInvalidToken         Kind = "invalid_token"
	KindAccessDenied         Kind = "access_denied"

	// Tool errors.
	KindToolNotFound        Kind = "tool_not_found"
	KindToolExecutionFailed Kind = "tool_execution_failed"
	KindInvalidToolParams   Kind = "invalid_tool_params"

	// Config errors.
	KindInvalidConfig      Kind = "invalid_config"
	KindConfigFileNotFound Kind = "config_file_not_found"
	KindInvalidCommand     Kind = "invalid_command"
	KindInvalidArgs        Kind = "invalid_args"
	KindInvalidEnv         Kind = "invalid_env"

	// Client errors.
	KindClientNotFound        Kind = "client_not_found"
	KindClientConnectionFailed Kind = "client_connection_failed"
	KindClientTimeout         Kind = "client_timeout"
	KindPortClosed            Kind = "port_closed"

	// Server errors.
	KindServerNotAvailable  Kind = "server_not_available"
	KindInitializationFailed Kind = "initialization_failed"
	KindInvalidResponse     Kind = "invalid_response"
)

// Error is the broker's typed error value. Message is safe to surface to
// external clients; Cause is for logs only and is never serialized onto
// the wire.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error carrying cause as the chained reason.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
