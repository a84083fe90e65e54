// Package errors wraps pkg/errors and adds the persistence failure kind used by
// every public operation, plus codes that classify the underlying cause.
package errors

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies the cause of a persistence failure. Callers only ever see
// *PersistenceError; the code tells them what went wrong underneath.
type Code string

const (
	// Transient is a network or connection fault while talking to the store.
	Transient Code = "Transient"

	// Store is any other failure reported by the store (constraint, syntax...).
	Store Code = "Store"

	// Validation is a row value rejected by a lookup delegate.
	Validation Code = "Validation"

	// Descriptor is a malformed query descriptor or missing key field.
	Descriptor Code = "Descriptor"

	// CacheManagement is an identity cache inconsistency.
	CacheManagement Code = "CacheManagement"

	// Transaction is a misuse of the transaction lifecycle.
	Transaction Code = "Transaction"
)

// New returns a coded error carrying a stack trace.
func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

// Mark attaches code to err so that Is(err, code) holds while errors.Is and
// errors.As still reach err.
func Mark(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
		cause:   err,
	})
}

// Markf is Mark with formatting.
func Markf(err error, code Code, format string, args ...interface{}) error {
	return Mark(err, code, fmt.Sprintf(format, args...))
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code Code) bool {
	return errors.Is(err, codedError{Code: code})
}

// IsTransient reports whether err is eligible for a retry.
func IsTransient(err error) bool {
	return Is(err, Transient)
}

// CodeOf returns the outermost code in err's chain, or "" when none is set.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code
	Message string
	cause   error
}

func (ce codedError) Error() string {
	if ce.cause != nil {
		if ce.Message == "" {
			return ce.cause.Error()
		}
		return ce.Message + ": " + ce.cause.Error()
	}
	return ce.Message
}

func (ce codedError) Unwrap() error {
	return ce.cause
}

// Is matches on code alone so Is(err, codedError{Code: x}) works as a lookup.
func (ce codedError) Is(target error) bool {
	t, ok := target.(codedError)
	if !ok {
		return false
	}
	return ce.Code == t.Code
}

// PersistenceError is the single failure kind returned by public operations.
type PersistenceError struct {
	Op     string
	Entity string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a *PersistenceError. An error that already is one is
// returned untouched so the original operation name is kept.
func Persistence(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Entity: entity, Err: err}
}

// Interrupted reports whether err came from a cancelled or expired context.
func Interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
