// Package errors provides error handling for gnosis.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors forming the service error taxonomy.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist, or the
	// acting principal's scopes make it invisible. Visibility failures
	// share this sentinel so that existence is never confirmed.
	ErrNotFound = New("not found")

	// ErrValidation indicates malformed client input: a bad identifier, a
	// missing required field, or an unresolvable graph endpoint.
	ErrValidation = New("validation error")

	// ErrUnknownEnum indicates a vocabulary name that does not exist in the
	// scope registry. A client fault, never a server fault.
	ErrUnknownEnum = New("unknown enum value")

	// ErrForbidden indicates an ownership or trust violation for a record
	// the principal can otherwise see.
	ErrForbidden = New("forbidden")

	// ErrRateLimited indicates the principal exceeded its request window.
	ErrRateLimited = New("rate limited")

	// ErrInvalidState indicates an illegal state transition, such as
	// re-resolving a terminal approval request with a different outcome.
	ErrInvalidState = New("invalid state")

	// ErrStoreUnavailable indicates the backing store could not be reached.
	ErrStoreUnavailable = New("store unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError checks if an error is or wraps ErrValidation or
// ErrUnknownEnum. Both map to a client input fault at the transport layer.
func IsValidationError(err error) bool {
	return err != nil && IsAny(err, ErrValidation, ErrUnknownEnum)
}

// IsForbiddenError checks if an error is or wraps ErrForbidden.
func IsForbiddenError(err error) bool {
	return err != nil && Is(err, ErrForbidden)
}

// IsRateLimitedError checks if an error is or wraps ErrRateLimited.
func IsRateLimitedError(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}

// IsInvalidStateError checks if an error is or wraps ErrInvalidState.
func IsInvalidStateError(err error) bool {
	return err != nil && Is(err, ErrInvalidState)
}

// IsStoreUnavailableError checks if an error is or wraps ErrStoreUnavailable.
func IsStoreUnavailableError(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewValidationError creates a validation error with a formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}

// NewForbiddenError creates a forbidden error with a formatted message.
func NewForbiddenError(format string, args ...interface{}) error {
	return Wrap(ErrForbidden, Newf(format, args...).Error())
}

// NewInvalidStateError creates an invalid-state error with a formatted message.
func NewInvalidStateError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidState, Newf(format, args...).Error())
}

// WrapStore wraps a persistence-layer error so that no driver-specific
// fault type escapes the store boundary.
func WrapStore(err error, context string) error {
	if err == nil {
		return nil
	}
	return Wrap(Wrap(ErrStoreUnavailable, err.Error()), context)
}
