// Package errkind defines the gateway error taxonomy and its HTTP mapping.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error. Kinds are stable strings carried on
// audit rows and tool results.
type Kind string

const (
	BadRequest       Kind = "bad_request"
	NotFound         Kind = "not_found"
	RateLimited      Kind = "rate_limited"
	UpstreamError    Kind = "upstream_error"
	ToolCompileError Kind = "tool_compile_error"
	SandboxViolation Kind = "sandbox_violation"
	ToolExecError    Kind = "tool_exec_error"
	DeadlineExceeded Kind = "deadline_exceeded"
	RecursionLimit   Kind = "recursion_limit"
	Cancelled        Kind = "cancelled"
	ConcurrentModification Kind = "concurrent_modification"
	EmptyCompilation Kind = "empty_compilation"
	Internal         Kind = "internal"
)

// Error is a classified gateway error. The Detail field is for logs and
// audit only; Message is what clients may see.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Err     error
}

// New creates a classified error with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted client-safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Internal
}

// MessageOf returns the client-safe message for an error chain.
func MessageOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return "internal error"
}

// HTTPStatus maps a kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamError, ToolCompileError:
		return http.StatusBadGateway
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Fatal reports whether an error of this kind must terminate the session.
// Tool-level kinds are never fatal: they become tool results the next
// generation can observe.
func (k Kind) Fatal() bool {
	switch k {
	case SandboxViolation, ToolExecError, RecursionLimit:
		return false
	default:
		return true
	}
}
