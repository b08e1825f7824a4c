// Package errs defines the coordinator's error taxonomy. Every error
// surfaced to a caller carries a stable machine-readable code and a kind
// that maps onto an HTTP-equivalent class.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy and status mapping.
type Kind int

const (
	// KindValidation covers malformed input and illegal state transitions.
	// Always recoverable by the caller correcting its input.
	KindValidation Kind = iota

	// KindNotFound covers references to nonexistent tasks, sessions,
	// projects, or queue items. Never retried automatically.
	KindNotFound

	// KindBusinessRule covers operations rejected by a domain rule, such
	// as deleting a project that still owns tasks or sessions.
	KindBusinessRule

	// KindStorage covers persistence-layer failures. Fatal to the
	// triggering request but not to the process.
	KindStorage
)

// String returns the kind's lowercase name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindBusinessRule:
		return "business_rule"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the coordinator's structured error.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    string `json:"code"`    // stable machine-readable code
	Message string `json:"message"` // human-readable description
	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return e.Message + ": " + e.wrapped.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.wrapped }

// Validation creates a validation error with the given code.
func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error with the given code.
func NotFound(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// BusinessRule creates a business-rule error with the given code.
func BusinessRule(code, format string, args ...any) *Error {
	return &Error{Kind: KindBusinessRule, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps a persistence failure. The cause is preserved for
// errors.Is/As but never shown in API responses.
func Storage(code string, cause error, format string, args ...any) *Error {
	return &Error{Kind: KindStorage, Code: code, Message: fmt.Sprintf(format, args...), wrapped: cause}
}

// KindOf returns the kind of err if it is (or wraps) an *Error, and
// KindStorage otherwise: an unclassified error is treated as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// CodeOf returns the stable code of err, or "internal" for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
