package store

import (
	"context"
	"testing"
	"time"

	"github.com/amatiasdev/whatsapp-backend/session"
)

func seed(t *testing.T, m *Memory, s *session.Session) {
	t.Helper()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if err := m.Upsert(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

func TestFindExcludesSoftDeleted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, &session.Session{ID: "a", OwnerID: "o1", Status: session.StatusConnected})
	seed(t, m, &session.Session{ID: "b", OwnerID: "o1", Status: session.StatusQRReady})

	if err := m.SoftDelete(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	got, err := m.Find(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("Find = %+v, want only session a", got)
	}

	// Soft-deleted records stay reachable by id until purged.
	b, err := m.FindOne(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || !b.Deleted() {
		t.Fatalf("FindOne(b) = %+v, want soft-deleted record", b)
	}
}

func TestSoftDeleteIdempotentMarker(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, &session.Session{ID: "a", OwnerID: "o1", Status: session.StatusFailed})

	if err := m.SoftDelete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	first, _ := m.FindOne(ctx, "a")

	if err := m.SoftDelete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	second, _ := m.FindOne(ctx, "a")

	if !first.DeletedAt.Equal(*second.DeletedAt) {
		t.Error("deletedAt changed on repeated soft delete")
	}

	if err := m.SoftDelete(ctx, "missing"); !session.IsKind(err, session.KindNotFound) {
		t.Errorf("soft delete of missing id: got %v, want not found", err)
	}
}

func TestUpsertKeepsDeleteMarker(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, &session.Session{ID: "a", OwnerID: "o1", Status: session.StatusConnected})

	snapshot, err := m.FindOne(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SoftDelete(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	// A writer that loaded the record before the delete writes its copy back.
	snapshot.Status = session.StatusDisconnected
	if err := m.Upsert(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	got, _ := m.FindOne(ctx, "a")
	if got == nil || !got.Deleted() {
		t.Fatalf("delete marker cleared by stale write-back: %+v", got)
	}
	if got.Status != session.StatusDisconnected {
		t.Errorf("status update lost: %s", got.Status)
	}
}

func TestFindOrdersByActivity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()

	older := base.Add(-time.Hour)
	newer := base.Add(-time.Minute)
	seed(t, m, &session.Session{ID: "old", OwnerID: "o1", Status: session.StatusConnected,
		CreatedAt: older, UpdatedAt: older, LastConnectedAt: &older})
	seed(t, m, &session.Session{ID: "new", OwnerID: "o1", Status: session.StatusConnected,
		CreatedAt: older, UpdatedAt: newer, LastConnectedAt: &newer})

	got, err := m.Find(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "new" {
		t.Fatalf("expected most recent first, got %v", []string{got[0].ID, got[1].ID})
	}
}

func TestFindActiveSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, &session.Session{ID: "a", OwnerID: "o1", Status: session.StatusConnected})
	seed(t, m, &session.Session{ID: "b", OwnerID: "o1", Status: session.StatusDisconnected})
	seed(t, m, &session.Session{ID: "c", OwnerID: "o2", Status: session.StatusFailed})
	seed(t, m, &session.Session{ID: "d", OwnerID: "o2", Status: session.StatusQRReady})

	got, err := m.FindActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, s := range got {
		ids[s.ID] = true
	}
	if len(ids) != 2 || !ids["a"] || !ids["d"] {
		t.Fatalf("FindActive = %v", ids)
	}
}

func TestFindReapable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	staleBefore := now.Add(-30 * time.Minute)
	retainBefore := now.Add(-72 * time.Hour)

	oldTime := now.Add(-time.Hour)
	ancient := now.Add(-100 * time.Hour)

	seed(t, m, &session.Session{ID: "failed", OwnerID: "o", Status: session.StatusFailed,
		CreatedAt: now, UpdatedAt: now})
	seed(t, m, &session.Session{ID: "stale-init", OwnerID: "o", Status: session.StatusInitializing,
		CreatedAt: oldTime, UpdatedAt: oldTime})
	seed(t, m, &session.Session{ID: "fresh-qr", OwnerID: "o", Status: session.StatusQRReady,
		CreatedAt: now, UpdatedAt: now})
	seed(t, m, &session.Session{ID: "old-disc", OwnerID: "o", Status: session.StatusDisconnected,
		CreatedAt: ancient, UpdatedAt: ancient, LastDisconnectedAt: &ancient})
	seed(t, m, &session.Session{ID: "recent-disc", OwnerID: "o", Status: session.StatusDisconnected,
		CreatedAt: oldTime, UpdatedAt: oldTime, LastDisconnectedAt: &oldTime})

	got, err := m.FindReapable(ctx, staleBefore, retainBefore)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, s := range got {
		ids[s.ID] = true
	}
	want := []string{"failed", "stale-init", "old-disc"}
	if len(ids) != len(want) {
		t.Fatalf("FindReapable = %v, want %v", ids, want)
	}
	for _, id := range want {
		if !ids[id] {
			t.Errorf("missing %s in reapable set %v", id, ids)
		}
	}
}

func TestCloneIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seed(t, m, &session.Session{ID: "a", OwnerID: "o1", Status: session.StatusConnected})

	got, _ := m.FindOne(ctx, "a")
	got.Status = session.StatusFailed

	again, _ := m.FindOne(ctx, "a")
	if again.Status != session.StatusConnected {
		t.Error("mutating a returned record leaked into the store")
	}
}
