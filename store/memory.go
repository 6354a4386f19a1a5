package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amatiasdev/whatsapp-backend/session"
)

// Memory is a map-backed SessionStore used by tests and single-node dev runs.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*session.Session)}
}

func (m *Memory) Find(ctx context.Context, ownerID string) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*session.Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID && !s.Deleted() {
			out = append(out, s.Clone())
		}
	}
	sortByActivity(out)
	return out, nil
}

func (m *Memory) FindOne(ctx context.Context, sessionID string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *Memory) Upsert(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := s.Clone()
	// A set soft-delete marker survives stale write-backs; writers holding a
	// pre-delete snapshot must not resurrect the record.
	if prev, ok := m.sessions[s.ID]; ok && prev.DeletedAt != nil && cp.DeletedAt == nil {
		t := *prev.DeletedAt
		cp.DeletedAt = &t
	}
	m.sessions[s.ID] = cp
	return nil
}

func (m *Memory) SoftDelete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return session.E(session.KindNotFound, sessionID, "store.softDelete", nil)
	}
	if s.DeletedAt == nil {
		now := time.Now()
		s.DeletedAt = &now
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) FindActive(ctx context.Context) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*session.Session
	for _, s := range m.sessions {
		if !s.Deleted() && !s.Status.Terminal() {
			out = append(out, s.Clone())
		}
	}
	sortByActivity(out)
	return out, nil
}

func (m *Memory) FindReapable(ctx context.Context, staleBefore, retainBefore time.Time) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*session.Session
	for _, s := range m.sessions {
		if s.Deleted() {
			continue
		}
		if reapable(s, staleBefore, retainBefore) {
			out = append(out, s.Clone())
		}
	}
	sortByActivity(out)
	return out, nil
}

func reapable(s *session.Session, staleBefore, retainBefore time.Time) bool {
	switch s.Status {
	case session.StatusFailed:
		return true
	case session.StatusInitializing, session.StatusQRReady:
		return s.UpdatedAt.Before(staleBefore)
	case session.StatusDisconnected:
		return s.LastDisconnectedAt != nil && s.LastDisconnectedAt.Before(retainBefore)
	}
	return false
}

func sortByActivity(sessions []*session.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity().After(sessions[j].LastActivity())
	})
}
