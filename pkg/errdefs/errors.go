// Package errdefs carries the stable error-kind taxonomy shared by every
// component. Kinds are wire-stable strings, not Go type names: they appear in
// API responses, terminal attempt events, and CLI exit-code mapping.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions
type Kind string

const (
	KindAuthFailed       Kind = "AuthFailed"
	KindTransportFailed  Kind = "TransportFailed"
	KindValidationFailed Kind = "ValidationFailed"
	KindPolicyViolation  Kind = "PolicyViolation"
	KindScopeViolation   Kind = "ScopeViolation"
	KindIntegrityAlarm   Kind = "IntegrityAlarm"
	KindRateLimited      Kind = "RateLimited"
	KindTimeout          Kind = "Timeout"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindInternal         Kind = "InternalError"
)

// Error is a kinded error. Wrapped causes stay reachable via errors.Unwrap.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to InternalError.
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

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a caller may recover by retrying with backoff.
// Only transport failures and rate limiting qualify; everything else is a
// hard failure for the operation that produced it.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransportFailed, KindRateLimited:
		return true
	}
	return false
}
