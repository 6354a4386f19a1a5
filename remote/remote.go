// Package remote is the boundary to the automation service that holds the
// actual messaging-platform connections. The middleware only speaks this
// package's contract; the service's protocol handling is opaque.
package remote

import (
	"context"
	"encoding/json"
)

// Event kinds emitted by the automation service over the duplex channel.
const (
	EventQR           = "qr"
	EventStatus       = "status"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// Command is an outbound frame on the event channel.
type Command struct {
	Action    string `json:"action"` // "subscribe" | "unsubscribe"
	SessionID string `json:"sessionId"`
}

// Event is an inbound frame on the event channel. Extra holds fields this
// middleware does not interpret; they are forwarded to watching clients.
type Event struct {
	Kind      string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Status    string          `json:"status,omitempty"`
	QR        string          `json:"qr,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Error     string          `json:"error,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// SessionStatus is the answer to a point-in-time status query.
type SessionStatus struct {
	Exists      bool   `json:"exists"`
	IsConnected bool   `json:"isConnected"`
	IsListening bool   `json:"isListening"`
	Status      string `json:"status,omitempty"`
}

// EventChannel is one live duplex connection to the automation service.
type EventChannel interface {
	// Send writes a command frame. Safe for concurrent use.
	Send(cmd Command) error
	// Receive blocks for the next inbound event. Returns an error once the
	// channel is no longer usable.
	Receive() (Event, error)
	// Close tears the connection down. Idempotent.
	Close() error
}

// Automation is everything the middleware consumes from the remote service.
type Automation interface {
	// Dial opens a new event channel.
	Dial(ctx context.Context) (EventChannel, error)
	// GetStatus performs a bounded request/response status query.
	GetStatus(ctx context.Context, sessionID string) (SessionStatus, error)
	// Initialize asks the service to start a fresh platform session.
	Initialize(ctx context.Context, sessionID string) error
	// Teardown asks the service to drop a platform session. Best-effort;
	// callers treat failures as non-fatal.
	Teardown(ctx context.Context, sessionID string) error
}

// Recoverable classifies channel-drop causes that warrant an immediate
// redial instead of backoff. Implementations return it from Receive when the
// drop looks transient (server restart, clean close).
type Recoverable struct {
	Err error
}

func (r *Recoverable) Error() string {
	return "recoverable channel drop: " + r.Err.Error()
}

func (r *Recoverable) Unwrap() error { return r.Err }
