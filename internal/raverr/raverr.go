// Package raverr defines the error taxonomy shared by the VM control plane
// and the chat bridge. Every public operation returns an error that carries
// exactly one Kind; callers branch on KindOf rather than string matching.
package raverr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy: which kinds are retried,
// which trip circuit breakers, and how they map to HTTP statuses and chat
// replies.
type Kind int

const (
	KindInternal       Kind = iota // bug class; logged, never surfaced verbatim
	KindValidation                 // ill-formed input
	KindAuthentication             // unknown subject, bad token, lockout
	KindAuthorization              // known subject lacking role
	KindNotFound                   // no such tenant, layer, or agent
	KindConflict                   // duplicate tenant, already running, duplicate target
	KindResource                   // no free port, image failure, missing tool
	KindTransient                  // SSH/process/HTTP timeout class, retryable
	KindCircuitOpen                // breaker refused the call
	KindIntegrity                  // audit HMAC mismatch
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindResource:
		return "resource"
	case KindTransient:
		return "transient"
	case KindCircuitOpen:
		return "circuit_open"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Error is a classified error. Message is safe to show to remote callers
// for every kind except KindInternal.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil cause returns nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the error class is worth retrying.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}
