// Package errs defines the closed taxonomy of error kinds shared by every
// core component, replacing the source system's open exception hierarchy
// (see SPEC_FULL.md §9, "Dynamic dispatch → interface surfaces").
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed set of error categories. New kinds are added here, not
// by embedding or subclassing.
type Kind string

const (
	NotFound    Kind = "not_found"
	Conflict    Kind = "conflict"
	Invariant   Kind = "invariant"
	Timeout     Kind = "timeout"
	External    Kind = "external"
	Validation  Kind = "validation"
	TransientIO Kind = "transient_io"
	Cancelled   Kind = "cancelled"
)

// Error is the single error type used across the core. Components never
// define their own error structs; they construct an *Error with a Kind and
// optional structured fields.
type Error struct {
	Kind   Kind
	Entity string // e.g. "session", "ticket", "project"
	ID     string // the offending entity id, if any
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Entity != "" && e.ID != "" {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Entity, e.ID, e.Msg)
		}
		return fmt.Sprintf("%s: %s %s", e.Kind, e.Entity, e.ID)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func NotFoundf(entity, id string) *Error {
	return &Error{Kind: NotFound, Entity: entity, ID: id}
}

func Conflictf(msg string, args ...any) *Error {
	return &Error{Kind: Conflict, Msg: fmt.Sprintf(msg, args...)}
}

func Invariantf(msg string, args ...any) *Error {
	return &Error{Kind: Invariant, Msg: fmt.Sprintf(msg, args...)}
}

func Externalf(cause error, msg string, args ...any) *Error {
	return &Error{Kind: External, Msg: fmt.Sprintf(msg, args...), Cause: cause}
}

func Timeoutf(msg string, args ...any) *Error {
	return &Error{Kind: Timeout, Msg: fmt.Sprintf(msg, args...)}
}

func Validationf(msg string, args ...any) *Error {
	return &Error{Kind: Validation, Msg: fmt.Sprintf(msg, args...)}
}

// KindOf extracts the Kind from err, defaulting to External for unrecognized
// errors (so unexpected failures map to 5xx rather than leaking as 4xx).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return External
}

// HTTPStatus maps a Kind to the status code the (out-of-scope) HTTP
// boundary is specified to use, per SPEC_FULL.md §7.
func HTTPStatus(k Kind) int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Invariant, Validation:
		return http.StatusBadRequest
	case Timeout:
		return http.StatusGatewayTimeout
	case External:
		return http.StatusInternalServerError
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
