package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorKind classifies backend failures into the small set of categories the
// retry policy understands. The kind is assigned where the failure is
// produced, at the adapter boundary, so downstream code never inspects
// provider exception types.
type ErrorKind string

const (
	// ErrorKindAuth indicates authentication or authorization failures.
	// Never retryable: the same credentials will keep failing.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindInvalidRequest indicates a malformed or rejected request.
	// Never retryable without changing the request.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindTimeout indicates the call exceeded a deadline.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindConnection indicates a transport-level failure reaching the
	// provider (refused, reset, dropped mid-response).
	ErrorKindConnection ErrorKind = "connection"

	// ErrorKindRateLimit indicates the provider is throttling requests
	// (HTTP 429 equivalents).
	ErrorKindRateLimit ErrorKind = "rate_limit"

	// ErrorKindServerError indicates a provider-side fault (5xx equivalents).
	ErrorKindServerError ErrorKind = "server_error"

	// ErrorKindUnknown indicates an unclassified failure. Treated as
	// retryable on the assumption that unrecognized faults are transient.
	ErrorKindUnknown ErrorKind = "unknown"
)

// Retryable reports whether a retry may succeed for failures of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindAuth, ErrorKindInvalidRequest:
		return false
	default:
		return true
	}
}

// ProviderError describes a failure returned by a model backend. It crosses
// package boundaries so the gateway and controller surface stable, structured
// information instead of SDK-specific error types.
type ProviderError struct {
	provider string
	status   int
	kind     ErrorKind
	message  string
	cause    error
}

// NewProviderError constructs a ProviderError. provider and kind are
// required. cause may be nil but is recommended to preserve the original
// error chain.
func NewProviderError(provider string, status int, kind ErrorKind, message string, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: error kind is required")
	}
	return &ProviderError{
		provider: provider,
		status:   status,
		kind:     kind,
		message:  message,
		cause:    cause,
	}
}

// Provider returns the provider identifier (for example, "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// HTTPStatus returns the provider HTTP status code when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.status }

// Kind returns the failure classification.
func (e *ProviderError) Kind() ErrorKind { return e.kind }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// Retryable reports whether retrying the call may succeed.
func (e *ProviderError) Retryable() bool { return e.kind.Retryable() }

func (e *ProviderError) Error() string {
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.status > 0 {
		return fmt.Sprintf("%s %s (%d): %s", e.provider, e.kind, e.status, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.provider, e.kind, msg)
}

// Unwrap returns the underlying cause to preserve the original error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindFromStatus maps an HTTP status code to an error kind. Adapters use it
// to tag SDK errors at the boundary.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrorKindAuth
	case status == 408:
		return ErrorKindTimeout
	case status == 429:
		return ErrorKindRateLimit
	case status == 400 || status == 404 || status == 413 || status == 422:
		return ErrorKindInvalidRequest
	case status >= 500:
		return ErrorKindServerError
	default:
		return ErrorKindUnknown
	}
}

// Classify reports whether err is retryable and why. The decision is a pure
// function of the error's category: tagged provider errors answer from their
// kind, context deadlines and net timeouts map to timeout, transport faults
// map to connection, and anything unrecognized is conservatively treated as a
// transient unknown rather than abandoned.
func Classify(err error) (bool, ErrorKind) {
	if err == nil {
		return false, ""
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.kind.Retryable(), pe.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, ErrorKindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true, ErrorKindTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true, ErrorKindConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true, ErrorKindConnection
	}
	return true, ErrorKindUnknown
}
