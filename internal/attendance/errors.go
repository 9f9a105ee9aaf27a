package attendance

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller's retry/backoff decision.
type Kind string

const (
	KindInvalidInput   Kind = "invalid_input"
	KindNotFound       Kind = "not_found"
	KindUnauthorized   Kind = "unauthorized"
	KindUnavailable    Kind = "unavailable"
	KindInvalidSession Kind = "invalid_session"
	KindConflict       Kind = "conflict"
	KindInternal       Kind = "internal"
)

// Retryable reports whether a caller may safely retry without new evidence.
func (k Kind) Retryable() bool {
	return k == KindUnavailable
}

// Error carries a kind, a human-readable message and the id it relates to.
type Error struct {
	Kind Kind
	Msg  string
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Ref)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Eref builds an Error tied to a specific id.
func Eref(kind Kind, ref, format string, args ...any) *Error {
	return &Error{Kind: kind, Ref: ref, Msg: fmt.Sprintf(format, args...)}
}

// Wrap normalizes an unexpected lower-level failure into the given kind.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to internal for unknown errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
