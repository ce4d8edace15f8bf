// Package dberr defines the error taxonomy shared by every storage component.
//
// Errors carry a Code identifying the category. Sentinels such as ErrNotFound
// match any *Error with the same code via errors.Is, so callers never need to
// compare messages:
//
//	if errors.Is(err, dberr.ErrNotFound) { ... }
package dberr

import (
	"errors"
	"fmt"
)

// Code categorizes storage errors.
type Code string

const (
	// CodeConnection indicates the engine could not be opened.
	CodeConnection Code = "CONNECTION"

	// CodeUpgrade indicates the structural migration failed during open.
	CodeUpgrade Code = "UPGRADE"

	// CodeTransaction indicates an engine-level transaction failure.
	CodeTransaction Code = "TRANSACTION"

	// CodeNotFound indicates a missing record or file.
	CodeNotFound Code = "NOT_FOUND"

	// CodeValidation indicates a malformed snapshot, argument or version mismatch.
	CodeValidation Code = "VALIDATION"

	// CodeTimeout indicates the readiness wait expired.
	CodeTimeout Code = "TIMEOUT"

	// CodeKeyExists indicates an insert collided with an existing primary key.
	CodeKeyExists Code = "KEY_EXISTS"

	// CodeConstraint indicates a unique index violation.
	CodeConstraint Code = "CONSTRAINT"
)

// Error is a categorized storage error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed, e.g. "get" or "open".
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for errors.Is matching by code.
var (
	ErrConnection  = &Error{Code: CodeConnection}
	ErrUpgrade     = &Error{Code: CodeUpgrade}
	ErrTransaction = &Error{Code: CodeTransaction}
	ErrNotFound    = &Error{Code: CodeNotFound}
	ErrValidation  = &Error{Code: CodeValidation}
	ErrTimeout     = &Error{Code: CodeTimeout}
	ErrKeyExists   = &Error{Code: CodeKeyExists}
	ErrConstraint  = &Error{Code: CodeConstraint}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error without an underlying cause.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap categorizes err. Returns nil if err is nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsKeyExists reports whether err is a duplicate-key error.
func IsKeyExists(err error) bool {
	return errors.Is(err, ErrKeyExists)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsTimeout reports whether err is a readiness timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
