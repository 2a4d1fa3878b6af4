package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure returned by a mutation or fetch.
type Kind int

const (
	// TransportFailure covers network and decoding failures. It is also the
	// kind of any error this package cannot classify.
	TransportFailure Kind = iota
	// InvalidInput is a validation failure caught before any network call.
	InvalidInput
	// AuthRequired means the caller identity is missing.
	AuthRequired
	// NotFound means a local precondition failed, e.g. an unknown message.
	NotFound
	// RemoteRejected is a typed business error returned by the remote API.
	RemoteRejected
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case AuthRequired:
		return "auth_required"
	case NotFound:
		return "not_found"
	case RemoteRejected:
		return "remote_rejected"
	default:
		return "transport_failure"
	}
}

// Error is the error type returned by every operation of the sync layer.
// Reason is meant to be shown to users verbatim.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Newf is New with a formatted reason.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Rejected is shorthand for a RemoteRejected error, used by remote implementations.
func Rejected(op, reason string) *Error {
	return New(RemoteRejected, op, reason)
}

// FromRemote classifies an error returned by a remote collaborator.
// Typed errors keep their kind; anything else is a TransportFailure.
func FromRemote(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return &Error{Kind: e.Kind, Op: op, Reason: e.Reason, Err: e.Err}
		}
		return e
	}
	reason := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "request timed out"
	}
	return &Error{Kind: TransportFailure, Op: op, Reason: reason, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are TransportFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return TransportFailure
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Reason returns the user-facing reason of err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}
