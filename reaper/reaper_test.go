package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/amatiasdev/whatsapp-backend/config"
	"github.com/amatiasdev/whatsapp-backend/remote"
	"github.com/amatiasdev/whatsapp-backend/session"
	"github.com/amatiasdev/whatsapp-backend/store"
)

type fakeRemote struct {
	mu       sync.Mutex
	torn     []string
	teardown error
}

func (f *fakeRemote) Dial(ctx context.Context) (remote.EventChannel, error) {
	panic("reaper never dials")
}
func (f *fakeRemote) GetStatus(ctx context.Context, id string) (remote.SessionStatus, error) {
	return remote.SessionStatus{}, nil
}
func (f *fakeRemote) Initialize(ctx context.Context, id string) error { return nil }
func (f *fakeRemote) Teardown(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torn = append(f.torn, id)
	return f.teardown
}

type fakeBridge struct {
	mu           sync.Mutex
	unsubscribed []string
}

func (f *fakeBridge) Unsubscribe(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, id)
	return nil
}

func newFixture() (*Reaper, *store.Memory, *fakeRemote, *fakeBridge) {
	st := store.NewMemory()
	rmt := &fakeRemote{}
	br := &fakeBridge{}
	r := New(st, rmt, br, config.Default(), zerolog.Nop())
	return r, st, rmt, br
}

func seed(t *testing.T, st *store.Memory, s *session.Session) {
	t.Helper()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
		s.UpdatedAt = s.CreatedAt
	}
	if err := st.Upsert(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

func TestSweepClassifiesCandidates(t *testing.T) {
	ctx := context.Background()
	r, st, rmt, br := newFixture()

	now := time.Now()
	ancient := now.Add(-100 * time.Hour)
	staleTime := now.Add(-time.Hour)

	seed(t, st, &session.Session{ID: "failed", OwnerID: "o", Status: session.StatusFailed,
		CreatedAt: now, UpdatedAt: now})
	seed(t, st, &session.Session{ID: "stale-init", OwnerID: "o", Status: session.StatusInitializing,
		CreatedAt: staleTime, UpdatedAt: staleTime})
	seed(t, st, &session.Session{ID: "stale-qr", OwnerID: "o", Status: session.StatusQRReady,
		CreatedAt: staleTime, UpdatedAt: staleTime})
	seed(t, st, &session.Session{ID: "old-disc", OwnerID: "o", Status: session.StatusDisconnected,
		CreatedAt: ancient, UpdatedAt: ancient, LastDisconnectedAt: &ancient})
	seed(t, st, &session.Session{ID: "healthy", OwnerID: "o", Status: session.StatusConnected,
		IsConnected: true, CreatedAt: now, UpdatedAt: now})

	stats, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Examined != 4 {
		t.Errorf("examined = %d, want 4", stats.Examined)
	}
	if stats.HardDeleted != 2 {
		t.Errorf("hard deleted = %d, want 2 (failed, stale-init)", stats.HardDeleted)
	}
	if stats.SoftDeleted != 2 {
		t.Errorf("soft deleted = %d, want 2 (stale-qr, old-disc)", stats.SoftDeleted)
	}

	// Hard-deleted records are gone entirely.
	for _, id := range []string{"failed", "stale-init"} {
		if got, _ := st.FindOne(ctx, id); got != nil {
			t.Errorf("%s still present after hard delete", id)
		}
	}
	// Soft-deleted records keep their history behind the marker.
	for _, id := range []string{"stale-qr", "old-disc"} {
		got, _ := st.FindOne(ctx, id)
		if got == nil || !got.Deleted() {
			t.Errorf("%s not soft-deleted: %+v", id, got)
		}
	}
	if got, _ := st.FindOne(ctx, "healthy"); got == nil || got.Deleted() {
		t.Error("healthy session touched by sweep")
	}

	if len(rmt.torn) != 4 {
		t.Errorf("remote teardown calls = %d, want 4", len(rmt.torn))
	}
	if len(br.unsubscribed) != 4 {
		t.Errorf("bridge unsubscribes = %d, want 4", len(br.unsubscribed))
	}
}

func TestTeardownFailureDoesNotBlockRemoval(t *testing.T) {
	ctx := context.Background()
	r, st, rmt, _ := newFixture()
	rmt.teardown = errors.New("remote down")

	seed(t, st, &session.Session{ID: "failed", OwnerID: "o", Status: session.StatusFailed})

	stats, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.HardDeleted != 1 {
		t.Errorf("hard deleted = %d, want 1 despite teardown failure", stats.HardDeleted)
	}
	if got, _ := st.FindOne(ctx, "failed"); got != nil {
		t.Error("record still present")
	}
}

func TestOverlappingSweepSkipped(t *testing.T) {
	ctx := context.Background()
	r, st, _, _ := newFixture()
	seed(t, st, &session.Session{ID: "failed", OwnerID: "o", Status: session.StatusFailed})

	r.running.Store(true)
	stats, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Examined != 0 {
		t.Errorf("overlapping sweep examined %d sessions, want 0", stats.Examined)
	}
	if got, _ := st.FindOne(ctx, "failed"); got == nil {
		t.Error("overlapping sweep mutated the store")
	}
	r.running.Store(false)
}

func TestEmptySweep(t *testing.T) {
	r, _, rmt, _ := newFixture()
	stats, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Examined != 0 || len(rmt.torn) != 0 {
		t.Errorf("empty sweep produced work: %+v", stats)
	}
}
