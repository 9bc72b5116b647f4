// Package apierror defines the error vocabulary surfaced by OARS core services
// and the wire envelope the HTTP edge renders from it.
package apierror

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeBadRequest          Code = "bad_request"
	CodeValidation          Code = "validation_error"
	CodeIdempotencyConflict Code = "idempotency_conflict"
	CodeTenantRequired      Code = "tenant_required"
	CodeMTLSRequired        Code = "mtls_identity_required"
	CodeCORSForbidden       Code = "cors_forbidden"
	CodeRateLimited         Code = "rate_limited"
	CodeConflict            Code = "conflict"
	CodeInternal            Code = "internal"
)

// Sentinel kinds. Services wrap these with context; callers branch with
// errors.Is instead of string matching.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrValidation            = errors.New("validation failed")
	ErrConflict              = errors.New("conflict")
	ErrIdempotencyConflict   = errors.New("idempotency key reused with different request body")
	ErrTenantRequired        = errors.New("tenant id required")
	ErrTenantScope           = errors.New("tenant access denied")
	ErrMTLSRequired          = errors.New("mtls workload identity required")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrUpstreamFailure       = errors.New("upstream failure")
	ErrInvalidState          = errors.New("invalid state for operation")
	ErrStepUpRequired        = errors.New("step-up authentication required")
	ErrNotAuthorizedApprover = errors.New("approver not authorized for current stage")
	ErrPathTraversal         = errors.New("path traversal detected")
)

// Error is a typed error carrying the wire code alongside the message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a typed error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf maps an error to its wire code. Unknown errors map to internal.
func CodeOf(err error) Code {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotAuthorizedApprover), errors.Is(err, ErrStepUpRequired):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPathTraversal):
		return CodeValidation
	case errors.Is(err, ErrIdempotencyConflict):
		return CodeIdempotencyConflict
	case errors.Is(err, ErrTenantScope):
		return CodeForbidden
	case errors.Is(err, ErrMTLSRequired):
		return CodeMTLSRequired
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidState):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// Envelope is the wire shape for error responses.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody carries the code, message and correlating request id.
type EnvelopeBody struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// ToEnvelope renders err as a wire envelope. Internal errors are masked; the
// caller is expected to have logged the original.
func ToEnvelope(err error, requestID string) Envelope {
	code := CodeOf(err)
	message := err.Error()
	if code == CodeInternal {
		message = "an unexpected error occurred"
	}
	return Envelope{Error: EnvelopeBody{Code: code, Message: message, RequestID: requestID}}
}
