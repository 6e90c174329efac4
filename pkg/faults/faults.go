// Package faults defines the error kinds surfaced by the tool invocation pipeline.
//
// Every component returns *Error values so callers can classify a failure
// with KindOf or Is without string matching, even after wrapping.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindCircuitOpen       Kind = "circuit_open"
	KindRateLimited       Kind = "rate_limited"
	KindBackendFailure    Kind = "backend_failure"
	KindApprovalRequired  Kind = "approval_required"
	KindApprovalRejected  Kind = "approval_rejected"
	KindApprovalExpired   Kind = "approval_expired"
	KindDeliveryExhausted Kind = "delivery_exhausted"
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
)

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Message    string
	Code       string        // backend error code, if any
	RetryAfter time.Duration // set for circuit_open and rate_limited
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Code != "" {
		msg += " (code " + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Unauthorized(format string, args ...interface{}) *Error {
	return New(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return New(KindForbidden, format, args...)
}

// CircuitOpen reports a short-circuited backend call.
func CircuitOpen(name string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindCircuitOpen,
		Message:    fmt.Sprintf("circuit %s is open, retry after %s", name, retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
	}
}

// RateLimited reports an exhausted request budget.
func RateLimited(callerID string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded for %s", callerID),
		RetryAfter: retryAfter,
	}
}

// BackendFailure wraps an error returned by the backend collaborator.
func BackendFailure(code string, err error) *Error {
	return &Error{Kind: KindBackendFailure, Message: "backend call failed", Code: code, Err: err}
}

func ApprovalRequired(approvalID string) *Error {
	return New(KindApprovalRequired, "approval %s is pending", approvalID)
}

func ApprovalRejected(approvalID string) *Error {
	return New(KindApprovalRejected, "approval %s was rejected", approvalID)
}

func ApprovalExpired(approvalID string) *Error {
	return New(KindApprovalExpired, "approval %s has expired", approvalID)
}

func DeliveryExhausted(deliveryID string, attempts int) *Error {
	return New(KindDeliveryExhausted, "delivery %s failed after %d attempts", deliveryID, attempts)
}

func InvalidInput(format string, args ...interface{}) *Error {
	return New(KindInvalidInput, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries a fault of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
