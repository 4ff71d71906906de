// Package domainerr is the single typed error taxonomy the control plane
// uses in place of exceptions-for-control-flow. Every core service returns
// *Error (or nil); transport adapters map Kind to wire status codes.
package domainerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the error taxonomy from the error handling design: independent of
// any particular transport, stable across releases.
type Kind string

const (
	KindInvalidInput           Kind = "INVALID_INPUT"
	KindUnauthenticated        Kind = "UNAUTHENTICATED"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindNotFound               Kind = "NOT_FOUND"
	KindConflict               Kind = "CONFLICT"
	KindAlreadyTerminal        Kind = "ALREADY_TERMINAL"
	KindDeadlineExceeded       Kind = "DEADLINE_EXCEEDED"
	KindDependencyUnavailable  Kind = "DEPENDENCY_UNAVAILABLE"
	KindInternal               Kind = "INTERNAL"
)

// Error is the discriminated-union error every core service raises.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is / errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause as the underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, defaulting
// to KindInternal for anything else.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if asError(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// asError is a small errors.As shim kept local to avoid importing errors
// twice in call sites that already alias it.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FromContext translates ctx.Err() into the typed taxonomy: an expired
// deadline becomes KindDeadlineExceeded rather than falling through to
// KindInternal, so callers racing a blocking operation against ctx can
// return it directly. Returns nil when ctx carries no error.
func FromContext(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindDeadlineExceeded, "deadline exceeded", err)
	}
	return Wrap(KindInternal, "context error", err)
}

var (
	// ErrUnknownService is returned by heartbeat ingestion when serviceName
	// does not resolve and auto-registration is disabled.
	ErrUnknownService = New(KindNotFound, "unknown service")

	// ErrCSoTUnavailable is returned (degraded-soft, never surfaced as a
	// hard ingest failure) when the expected configuration hash cannot be
	// fetched from CSoT and no cached fallback value exists either.
	ErrCSoTUnavailable = New(KindDependencyUnavailable, "expected hash unavailable")

	// ErrConflict is returned after optimistic-lock retries are exhausted.
	ErrConflict = New(KindConflict, "optimistic lock conflict")

	// ErrAlreadyTerminal is returned when a state machine transition is
	// attempted on an entity already in a terminal state.
	ErrAlreadyTerminal = New(KindAlreadyTerminal, "entity already in a terminal state")

	// ErrDuplicateDecision is returned when an approval decision violates
	// the (requestId, approverUserId, gate) uniqueness invariant.
	ErrDuplicateDecision = New(KindConflict, "duplicate approval decision")

	// ErrUnauthorizedGate is returned when an approver is not authorized
	// for the gate they attempted to decide.
	ErrUnauthorizedGate = New(KindUnauthorized, "approver not authorized for gate")

	// ErrDeadlineExceeded is returned when a request's deadline has already
	// elapsed before a blocking call would start.
	ErrDeadlineExceeded = New(KindDeadlineExceeded, "request deadline exceeded")
)
