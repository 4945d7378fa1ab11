package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every failure the gateway can surface.
type Kind int

const (
	// KindInvalidRequest is a client-side validation failure (400).
	KindInvalidRequest Kind = iota
	// KindUnauthorized means the caller's API key is wrong (401).
	KindUnauthorized
	// KindUpstreamTimeout means the upstream went silent past the deadline (502).
	KindUpstreamTimeout
	// KindUpstreamRejected means the upstream terminated with a rejection event (502).
	KindUpstreamRejected
	// KindUpstreamError covers other upstream failures (502).
	KindUpstreamError
	// KindToolCallInvalid marks tool-call JSON that failed normalization.
	// Never surfaced to the client; stripped and counted instead.
	KindToolCallInvalid
	// KindDecryptionFailed marks sync entities that failed AEAD decryption.
	KindDecryptionFailed
	// KindOverloaded means the request queue was full (503).
	KindOverloaded
	// KindInternal is everything else (500).
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindUpstreamError:
		return "upstream_error"
	case KindToolCallInvalid:
		return "tool_call_invalid"
	case KindDecryptionFailed:
		return "decryption_failed"
	case KindOverloaded:
		return "overloaded"
	default:
		return "internal"
	}
}

// Error is the gateway's error type. Every kind maps to exactly one
// HTTP status and OpenAI error shape.
type Error struct {
	Kind    Kind
	Message string
	// Reject carries the upstream terminal event name for KindUpstreamRejected.
	Reject string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// InvalidRequest builds a 400 invalid_request_error.
func InvalidRequest(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized builds a 401.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

// UpstreamTimeout builds a 502 for a silent upstream.
func UpstreamTimeout(message string) *Error {
	return &Error{Kind: KindUpstreamTimeout, Message: message}
}

// UpstreamRejected builds a 502 for a terminal rejection event.
func UpstreamRejected(kind string) *Error {
	return &Error{
		Kind:    KindUpstreamRejected,
		Message: fmt.Sprintf("upstream rejected the request (%s)", kind),
		Reject:  kind,
	}
}

// UpstreamError wraps any other upstream failure as a 502.
func UpstreamError(err error) *Error {
	return &Error{Kind: KindUpstreamError, Message: "upstream request failed", Err: err}
}

// Overloaded builds a 503 for a full request queue.
func Overloaded() *Error {
	return &Error{Kind: KindOverloaded, Message: "the gateway is handling too many requests, try again shortly"}
}

// Internal wraps an unexpected failure as a 500.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// HTTPStatus maps the kind to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUpstreamTimeout, KindUpstreamRejected, KindUpstreamError:
		return http.StatusBadGateway
	case KindOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// OpenAIType maps the kind to the OpenAI error type string.
func (e *Error) OpenAIType() string {
	switch e.Kind {
	case KindInvalidRequest:
		return "invalid_request_error"
	case KindUnauthorized:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

// From coerces any error into an *Error, defaulting to KindInternal.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}
