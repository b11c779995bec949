// Package tileerrors provides the error taxonomy shared by the tile store
// backends and the bulk pipeline engines: NotFound, Transient, Validation,
// and Fatal, matching how callers are expected to react to each.
package tileerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can branch without string matching.
type Kind string

const (
	// NotFound covers upstream 204/404 and local tile misses. Non-fatal
	// in bulk paths; surfaced to read callers as a typed miss.
	NotFound Kind = "NOT_FOUND"

	// Transient covers network errors, SQLITE_BUSY, lock contention, and
	// timeouts. Callers should retry via pkg/retry.
	Transient Kind = "TRANSIENT"

	// Validation covers malformed styles, bounds, and metadata. Never
	// retried; always caller-facing.
	Validation Kind = "VALIDATION"

	// Fatal covers store-open failure, disk full, and schema conflicts.
	// Propagated after any opened handles are released.
	Fatal Kind = "FATAL"
)

// Error is the concrete error type returned by this module's packages.
type Error struct {
	Kind     Kind
	Op       string // operation that failed, e.g. "mbtiles.putTile"
	Message  string
	Guidance string
	Err      error // wrapped cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, target) match when target is also an *Error of
// the same Kind, e.g. errors.Is(err, tileerrors.New(tileerrors.NotFound, "", "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an *Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// WithGuidance attaches caller-facing guidance text and returns the
// receiver for chaining.
func (e *Error) WithGuidance(guidance string) *Error {
	e.Guidance = guidance
	return e
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsNotFound reports whether err is a NotFound-kind error.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == NotFound
}

// IsTransient reports whether err is a Transient-kind error.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Transient
}
