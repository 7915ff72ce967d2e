// Package apperr defines the error taxonomy shared by every component of
// the sponsorship core, so that store/domain failures map onto a single,
// stable set of kinds regardless of which package raised them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for external mapping (HTTP status, retry
// policy). See spec §7.
type Kind string

const (
	Unauthenticated    Kind = "UNAUTHENTICATED"
	Forbidden          Kind = "FORBIDDEN"
	NotFound           Kind = "NOT_FOUND"
	BadInput           Kind = "BAD_INPUT"
	InsufficientCredit Kind = "INSUFFICIENT_CREDITS"
	Conflict           Kind = "CONFLICT"
	RateLimited        Kind = "RATE_LIMITED"
	Transient          Kind = "TRANSIENT"
	Internal           Kind = "INTERNAL"
)

// Error is a taxonomy-tagged application error. The Kind is what callers
// and HTTP adapters switch on; Msg is safe to surface to a client.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional wrapped cause, not exposed externally
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal for anything
// not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err (or something it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// HTTPStatus maps a Kind to the status code named in spec §7.
func HTTPStatus(k Kind) int {
	switch k {
	case Unauthenticated:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case BadInput:
		return 400
	case InsufficientCredit, Conflict:
		return 409
	case RateLimited:
		return 429
	case Transient:
		return 503
	default:
		return 500
	}
}
