package session

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch without string matching.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidState
	KindInvalidTransition
	KindRemoteUnavailable
	KindRemoteRejected
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindRemoteUnavailable:
		return "remote_unavailable"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindPersistence:
		return "persistence_failure"
	default:
		return "unknown"
	}
}

// Error carries the failure kind plus the session and operation it concerns.
type Error struct {
	Kind      Kind
	SessionID string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.SessionID != "" {
		msg += " (session " + e.SessionID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and context. A nil err is allowed; the kind alone
// is the failure.
func E(kind Kind, sessionID, op string, err error) *Error {
	return &Error{Kind: kind, SessionID: sessionID, Op: op, Err: err}
}

// Errorf is E with a formatted message instead of a wrapped cause.
func Errorf(kind Kind, sessionID, op, format string, args ...any) *Error {
	return &Error{Kind: kind, SessionID: sessionID, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err (anywhere in its chain) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
