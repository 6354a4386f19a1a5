package session

import (
	"time"
)

// Status is the persisted lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Known reports whether s is one of the lifecycle states this service
// persists. Remote events carrying anything else are notification-only.
func (s Status) Known() bool {
	switch s {
	case StatusInitializing, StatusQRReady, StatusConnected, StatusDisconnected, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the state is recoverable only through an explicit
// re-initialization.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusFailed
}

// Session is the persisted record of one remote messaging session.
type Session struct {
	ID                 string     `json:"sessionId"`
	OwnerID            string     `json:"ownerId"`
	Status             Status     `json:"status"`
	IsConnected        bool       `json:"isConnected"`
	IsListening        bool       `json:"isListening"`
	LastQRAt           *time.Time `json:"lastQRTimestamp,omitempty"`
	LastConnectedAt    *time.Time `json:"lastConnection,omitempty"`
	LastDisconnectedAt *time.Time `json:"lastDisconnection,omitempty"`
	FailureReason      string     `json:"failureReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`
}

// allowed holds the legal status transition edges. Self-edges let the remote
// re-confirm a state (fresh QR, reconnect heartbeat) without being rejected.
var allowed = map[Status]map[Status]bool{
	StatusInitializing: {
		StatusQRReady:      true,
		StatusConnected:    true,
		StatusDisconnected: true,
		StatusFailed:       true,
	},
	StatusQRReady: {
		StatusQRReady:      true,
		StatusConnected:    true,
		StatusDisconnected: true,
		StatusFailed:       true,
	},
	StatusConnected: {
		StatusConnected:    true,
		StatusDisconnected: true,
		StatusFailed:       true,
	},
	StatusDisconnected: {
		StatusInitializing: true,
		StatusQRReady:      true,
	},
	StatusFailed: {
		StatusInitializing: true,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	return allowed[from][to]
}

// Transition moves the session to the target status, keeping the derived
// flags consistent. Timestamps are handled by the Apply* helpers; this is the
// guard used for explicit operations (re-initialization, creation fallback).
func (s *Session) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return Errorf(KindInvalidTransition, s.ID, "transition",
			"illegal transition %s -> %s", s.Status, to)
	}
	if s.Status == StatusFailed && to != StatusFailed {
		s.FailureReason = ""
	}
	s.Status = to
	switch to {
	case StatusConnected:
		s.IsConnected = true
	default:
		s.IsConnected = false
		s.IsListening = false
	}
	return nil
}

// ApplyQR records a remote "qr available" event.
func (s *Session) ApplyQR(now time.Time) error {
	if err := s.Transition(StatusQRReady); err != nil {
		return err
	}
	s.LastQRAt = laterOf(s.LastQRAt, now)
	s.UpdatedAt = now
	return nil
}

// ApplyConnected records a remote "connected" event. isListening is left
// untouched; listening is started and stopped explicitly.
func (s *Session) ApplyConnected(now time.Time) error {
	listening := s.IsListening
	if err := s.Transition(StatusConnected); err != nil {
		return err
	}
	s.IsListening = listening
	s.LastConnectedAt = laterOf(s.LastConnectedAt, now)
	s.UpdatedAt = now
	return nil
}

// ApplyDisconnected records a remote "disconnected" event.
func (s *Session) ApplyDisconnected(now time.Time) error {
	if err := s.Transition(StatusDisconnected); err != nil {
		return err
	}
	s.LastDisconnectedAt = laterOf(s.LastDisconnectedAt, now)
	s.UpdatedAt = now
	return nil
}

// ApplyFailed records a remote error event. Failed is reachable from every
// non-terminal state.
func (s *Session) ApplyFailed(reason string, now time.Time) error {
	if s.Status == StatusDisconnected || s.Status == StatusFailed {
		return Errorf(KindInvalidTransition, s.ID, "fail",
			"illegal transition %s -> %s", s.Status, StatusFailed)
	}
	s.Status = StatusFailed
	s.IsConnected = false
	s.IsListening = false
	s.FailureReason = reason
	s.UpdatedAt = now
	return nil
}

// SetListening toggles the listening flag. Only valid while connected.
func (s *Session) SetListening(on bool) error {
	if s.Status != StatusConnected {
		return Errorf(KindInvalidState, s.ID, "listen",
			"cannot change listening while %s", s.Status)
	}
	s.IsListening = on
	return nil
}

// LastActivity is the most recent of the session's event timestamps, used to
// order reuse candidates and to drive the verification grace window.
func (s *Session) LastActivity() time.Time {
	latest := s.CreatedAt
	for _, t := range []*time.Time{s.LastQRAt, s.LastConnectedAt, s.LastDisconnectedAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	if s.UpdatedAt.After(latest) {
		latest = s.UpdatedAt
	}
	return latest
}

// Deleted reports whether the soft-delete marker is set.
func (s *Session) Deleted() bool {
	return s.DeletedAt != nil
}

// Clone returns a deep copy so stores can hand out records without aliasing.
func (s *Session) Clone() *Session {
	cp := *s
	cp.LastQRAt = copyTime(s.LastQRAt)
	cp.LastConnectedAt = copyTime(s.LastConnectedAt)
	cp.LastDisconnectedAt = copyTime(s.LastDisconnectedAt)
	cp.DeletedAt = copyTime(s.DeletedAt)
	return &cp
}

// laterOf enforces the monotonic timestamp invariant: event timestamps never
// move backward even if the remote delivers events out of order.
func laterOf(existing *time.Time, now time.Time) *time.Time {
	if existing != nil && existing.After(now) {
		return existing
	}
	return &now
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
