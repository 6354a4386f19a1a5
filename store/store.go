// Package store persists session records. The rest of the service depends on
// the SessionStore contract only; the sqlite implementation is one provider.
package store

import (
	"context"
	"time"

	"github.com/amatiasdev/whatsapp-backend/session"
)

// SessionStore is the persistence boundary for session records. Soft-deleted
// records are excluded from Find and FindActive but remain reachable through
// FindOne until they are purged.
type SessionStore interface {
	// Find returns the owner's non-deleted sessions, most recent activity
	// first.
	Find(ctx context.Context, ownerID string) ([]*session.Session, error)

	// FindOne returns the session with the given id, or nil when absent.
	FindOne(ctx context.Context, sessionID string) (*session.Session, error)

	// Upsert inserts or replaces the record. An existing soft-delete marker
	// is preserved even when the incoming record lacks one, so a writer
	// holding a pre-delete snapshot cannot resurrect the session.
	Upsert(ctx context.Context, s *session.Session) error

	// SoftDelete sets the deletion marker. Setting it twice is a no-op;
	// the marker is never cleared.
	SoftDelete(ctx context.Context, sessionID string) error

	// Delete removes the record entirely.
	Delete(ctx context.Context, sessionID string) error

	// FindActive returns every non-deleted, non-terminal session. The
	// bridge uses it to rebuild its subscription set after a restart.
	FindActive(ctx context.Context) ([]*session.Session, error)

	// FindReapable returns non-deleted sessions eligible for cleanup:
	// failed sessions, initializing/qr_ready sessions untouched since
	// staleBefore, and disconnected sessions whose disconnect predates
	// retainBefore.
	FindReapable(ctx context.Context, staleBefore, retainBefore time.Time) ([]*session.Session, error)
}
