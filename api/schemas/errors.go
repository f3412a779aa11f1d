package schemas

import "errors"

var (
	// ErrNotFound is returned when an action or request does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTerminalState is returned when a mutation targets an action that
	// already reached a terminal status.
	ErrTerminalState = errors.New("action is in a terminal state")

	// ErrStaleTransition is returned when a conditional action transition
	// lost the race against another writer.
	ErrStaleTransition = errors.New("stale action transition")

	// ErrStaleDecision is returned when a response arrives for a request
	// that was already resolved or has expired.
	ErrStaleDecision = errors.New("stale decision")

	// ErrAuditUnavailable is returned when an audit append fails. The
	// affected action is held in place and flagged for reconciliation.
	ErrAuditUnavailable = errors.New("audit sink unavailable")
)
