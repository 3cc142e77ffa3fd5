// Package apperr defines the error kinds surfaced to control plane callers.
//
// Components return *Error values for outcomes a caller must act on; the
// HTTP layer maps the Kind to a status code and echoes Kind and Message in
// the response body. Lower layers keep wrapping with fmt.Errorf and %w.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable error category.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindProvisioning Kind = "provisioning"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindRotation     Kind = "rotation"
	KindState        Kind = "state"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindInternal     Kind = "internal"
)

// Error is a categorized control plane error.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "deploy"
	Message string // human-readable summary, safe to return to callers
	Err     error  // underlying cause, never returned to callers
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind, so callers can write
// errors.Is(err, apperr.Conflict).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks by kind.
var (
	Validation   = &Error{Kind: KindValidation}
	Provisioning = &Error{Kind: KindProvisioning}
	Conflict     = &Error{Kind: KindConflict}
	NotFound     = &Error{Kind: KindNotFound}
	Rotation     = &Error{Kind: KindRotation}
	State        = &Error{Kind: KindState}
	Unauthorized = &Error{Kind: KindUnauthorized}
	Forbidden    = &Error{Kind: KindForbidden}
)

// New returns an *Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap returns an *Error of the given kind carrying err as its cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Validationf returns a validation error with a formatted message.
func Validationf(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

// Conflictf returns a conflict error with a formatted message.
func Conflictf(op, format string, args ...any) *Error {
	return New(KindConflict, op, fmt.Sprintf(format, args...))
}

// NotFoundf returns a not found error with a formatted message.
func NotFoundf(op, format string, args ...any) *Error {
	return New(KindNotFound, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-safe message of err. Errors without a kind
// are reported generically so internal detail does not leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}
