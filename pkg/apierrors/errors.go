// Package apierrors defines the orchestration error taxonomy shared by every
// component: a kind (not a concrete type per component) plus a wrapped
// cause, so the HTTP layer can map failures to status codes without knowing
// which package produced them.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from spec.md §7.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindOverloaded          Kind = "overloaded"
	KindTimeout             Kind = "timeout"
	KindHandlerError        Kind = "handler_error"
	KindClassifierUnavail   Kind = "classifier_unavailable"
	KindResourceExhausted   Kind = "resource_exhausted"
	KindInternal            Kind = "internal"
)

// Error is the taxonomy-tagged error every component returns.
type Error struct {
	Kind   Kind
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task %s)", e.Kind, e.Err, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under kind with no associated task.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithTask wraps err under kind with an associated task id.
func WithTask(kind Kind, taskID string, err error) *Error {
	return &Error{Kind: kind, TaskID: taskID, Err: err}
}

// Validation builds a KindValidation error from a message.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, fmt.Errorf(format, args...))
}

// Overloaded builds a KindOverloaded error from a message.
func Overloaded(format string, args ...interface{}) *Error {
	return New(KindOverloaded, fmt.Errorf(format, args...))
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// isn't a tagged *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
