// Package errors defines the closed error taxonomy shared by every
// component. Components return plain errors built here; only the HTTP
// surface translates kinds into status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error into the platform taxonomy
type Kind string

const (
	// KindValidation indicates input failed a declared constraint
	KindValidation Kind = "validation"
	// KindUnauthorized indicates a missing, invalid, or revoked session
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden indicates an authenticated caller lacking a permission
	KindForbidden Kind = "forbidden"
	// KindNotFound indicates the subject does not exist in tenant scope
	KindNotFound Kind = "not_found"
	// KindConflict indicates a uniqueness or precondition violation
	KindConflict Kind = "conflict"
	// KindQuotaExceeded indicates a tenant limit was hit
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindRateLimited indicates a per-caller throttle engaged
	KindRateLimited Kind = "rate_limited"
	// KindUnavailable indicates a downstream is transiently down
	KindUnavailable Kind = "unavailable"
	// KindInternal is the catch-all for unexpected failures
	KindInternal Kind = "internal"
)

// Error carries a kind, a caller-safe message, and structured detail.
// Fields holds offending input fields for validation errors, the missing
// permission for forbidden errors, or the exceeded dimension for quota
// errors.
type Error struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`

	// RetryAfter hints when the caller may try again (quota, rate limit)
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.cause
}

// WithField attaches a named detail and returns the error for chaining
func (e *Error) WithField(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
	return e
}

// WithRetryAfter attaches a retry hint
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for unwrapping.
// Wrapping nil returns nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf extracts the kind from an error chain, KindInternal when the
// chain carries no taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf extracts the caller-safe message from an error chain. Plain
// errors answer a generic message; their text is not safe to surface.
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// FieldsOf extracts structured detail from an error chain, nil when absent
func FieldsOf(err error) map[string]string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// RetryAfterOf extracts the retry hint from an error chain
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if stderrors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Is reports whether the error chain carries the given kind
func Is(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound reports a not-found error
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsConflict reports a uniqueness or precondition violation
func IsConflict(err error) bool { return Is(err, KindConflict) }

// IsValidation reports a validation error
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsQuotaExceeded reports a tenant quota violation
func IsQuotaExceeded(err error) bool { return Is(err, KindQuotaExceeded) }

// IsUnauthorized reports an authentication failure
func IsUnauthorized(err error) bool { return Is(err, KindUnauthorized) }

// IsForbidden reports a permission failure
func IsForbidden(err error) bool { return Is(err, KindForbidden) }

// IsTransient reports an error worth retrying after a delay
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the response status the surface emits
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
