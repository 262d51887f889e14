// Package errs implements the orchestrator's error taxonomy: Validation,
// Conflict, NotFound, Precondition, Transient and Fatal. The teacher wraps
// plain errors with fmt.Errorf("...: %w", err) throughout and never panics
// in a request path outside of genuinely unrecoverable startup failures
// (manager.Bootstrap, security.initializeCA); this package keeps that same
// wrap-with-context discipline while giving callers a way to branch on
// error class with errors.As instead of string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Class is the taxonomy tag carried by every *Error.
type Class string

const (
	Validation  Class = "validation"
	Conflict    Class = "conflict"
	NotFound    Class = "not_found"
	Precondition Class = "precondition"
	Transient   Class = "transient"
	Fatal       Class = "fatal"
)

// Error is a classified, wrapped error. Op names the operation that failed
// ("tracker.process", "storage.Put", ...), matching the component-scoped
// context the teacher's fmt.Errorf wrapping already includes by convention.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, target) match when target is an *Error of the
// same Class, whatever its Op or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Class == t.Class
	}
	return false
}

func newf(class Class, op, format string, args ...any) *Error {
	return &Error{Class: class, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error under op, preserving it as the cause.
func Wrap(class Class, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

func NewValidation(op, format string, args ...any) *Error  { return newf(Validation, op, format, args...) }
func NewConflict(op, format string, args ...any) *Error    { return newf(Conflict, op, format, args...) }
func NewNotFound(op, format string, args ...any) *Error    { return newf(NotFound, op, format, args...) }
func NewPrecondition(op, format string, args ...any) *Error { return newf(Precondition, op, format, args...) }
func NewTransient(op, format string, args ...any) *Error   { return newf(Transient, op, format, args...) }
func NewFatal(op, format string, args ...any) *Error       { return newf(Fatal, op, format, args...) }

// ClassOf extracts the Class of err, or "" if err is not (and does not
// wrap) an *Error.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsClass reports whether err is, or wraps, an *Error of the given class.
func IsClass(err error, class Class) bool {
	return ClassOf(err) == class
}

// Retryable reports whether a caller should retry the operation that
// produced err: true for Transient, false for everything else including a
// nil-classified (non-taxonomy) error.
func Retryable(err error) bool {
	return ClassOf(err) == Transient
}
