// Package errkind defines the closed error taxonomy carried across component
// boundaries. Components return *Error values tagged with a Kind; the API edge
// maps kinds to HTTP statuses and never leaks raw error strings to clients.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies one of the gateway's error categories.
type Kind string

const (
	AuthMissing           Kind = "auth_missing"
	AuthInvalid           Kind = "auth_invalid"
	Forbidden             Kind = "forbidden"
	ScopeDenied           Kind = "scope_denied"
	CSRFFailed            Kind = "csrf_failed"
	ValidationError       Kind = "validation_error"
	TemplateDenied        Kind = "template_denied"
	SSRFBlocked           Kind = "ssrf_blocked"
	IdempotencyInFlight   Kind = "idempotency_in_flight"
	PayloadTooLarge       Kind = "payload_too_large"
	RateLimitExceeded     Kind = "rate_limit_exceeded"
	BudgetExceeded        Kind = "budget_exceeded"
	ApprovalRequired      Kind = "approval_required"
	ApprovalStateConflict Kind = "approval_state_conflict"
	ProviderUnavailable   Kind = "provider_unavailable"
	SubmitFailed          Kind = "submit_failed"
	CallbackDeadLetter    Kind = "callback_dead_letter"
	PostureViolation      Kind = "posture_violation"
	NotFound              Kind = "not_found"
	Conflict              Kind = "conflict"
	Disabled              Kind = "disabled"
	Internal              Kind = "internal"
)

// Error is a kinded error with an optional operator-facing detail and an
// optional Retry-After hint for 429/503 responses.
type Error struct {
	Kind       Kind
	Detail     string
	RetryAfter time.Duration
	wrapped    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds a kinded error with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf builds a kinded error with a formatted detail message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, wrapped: err}
}

// WithRetryAfter returns a copy carrying a Retry-After hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// KindOf extracts the Kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// RetryAfterOf extracts the Retry-After hint from an error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// DetailOf extracts the detail text from an error chain. Errors outside the
// taxonomy fall back to their message so operator-facing records never lose
// the failure cause; callers at the client edge must still redact or suppress
// internal details.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return err.Error()
}

// HTTPStatus maps a kind to its HTTP response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case AuthMissing, AuthInvalid:
		return http.StatusUnauthorized
	case Forbidden, ScopeDenied, CSRFFailed, TemplateDenied:
		return http.StatusForbidden
	case ValidationError, SSRFBlocked:
		return http.StatusBadRequest
	case IdempotencyInFlight, ApprovalStateConflict, Conflict:
		return http.StatusConflict
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case RateLimitExceeded, BudgetExceeded:
		return http.StatusTooManyRequests
	case ApprovalRequired:
		return http.StatusAccepted
	case ProviderUnavailable:
		return http.StatusServiceUnavailable
	case SubmitFailed:
		return http.StatusBadGateway
	case NotFound:
		return http.StatusNotFound
	case Disabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
