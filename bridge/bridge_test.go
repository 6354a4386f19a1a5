package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/amatiasdev/whatsapp-backend/config"
	"github.com/amatiasdev/whatsapp-backend/remote"
	"github.com/amatiasdev/whatsapp-backend/session"
	"github.com/amatiasdev/whatsapp-backend/store"
)

type emission struct {
	sessionID string
	event     string
	payload   any
}

type fakeNotifier struct {
	mu        sync.Mutex
	emissions []emission
}

func (n *fakeNotifier) Emit(sessionID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emissions = append(n.emissions, emission{sessionID, event, payload})
}

func (n *fakeNotifier) Broadcast(event string, payload any) {
	n.Emit("", event, payload)
}

func (n *fakeNotifier) all() []emission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]emission(nil), n.emissions...)
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []remote.Command
	errs   map[string]error
	closed bool
}

func (c *fakeChannel) Send(cmd remote.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[cmd.SessionID]; err != nil {
		return err
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeChannel) Receive() (remote.Event, error) {
	select {} // tests drive HandleEvent directly
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) commands() []remote.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]remote.Command(nil), c.sent...)
}

// scriptedChannel feeds a fixed event sequence to the pump, then errors out.
type scriptedChannel struct {
	fakeChannel
	events chan remote.Event
}

func (c *scriptedChannel) Receive() (remote.Event, error) {
	evt, ok := <-c.events
	if !ok {
		return remote.Event{}, errors.New("channel closed")
	}
	return evt, nil
}

type fakeAutomation struct{}

func (fakeAutomation) Dial(ctx context.Context) (remote.EventChannel, error) {
	return &fakeChannel{}, nil
}
func (fakeAutomation) GetStatus(ctx context.Context, id string) (remote.SessionStatus, error) {
	return remote.SessionStatus{}, nil
}
func (fakeAutomation) Initialize(ctx context.Context, id string) error { return nil }
func (fakeAutomation) Teardown(ctx context.Context, id string) error   { return nil }

type failingStore struct {
	store.SessionStore
	upsertErr error
}

func (f *failingStore) Upsert(ctx context.Context, s *session.Session) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.SessionStore.Upsert(ctx, s)
}

func newTestBridge(t *testing.T, st store.SessionStore) (*Bridge, *fakeNotifier) {
	t.Helper()
	cfg := config.Default()
	notify := &fakeNotifier{}
	b := New(fakeAutomation{}, st, notify, cfg, zerolog.Nop())
	return b, notify
}

func seedSession(t *testing.T, st store.SessionStore, s *session.Session) {
	t.Helper()
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
		s.UpdatedAt = now
	}
	if err := st.Upsert(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

func TestQREventPersistsAndNotifies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	b, notify := newTestBridge(t, st)
	seedSession(t, st, &session.Session{ID: "s1", OwnerID: "o1", Status: session.StatusInitializing})

	d := b.HandleEvent(ctx, remote.Event{Kind: remote.EventQR, SessionID: "s1", QR: "ABC"})
	if !d.Persisted || !d.Notified {
		t.Fatalf("dispatch = %+v, want persisted and notified", d)
	}

	got, _ := st.FindOne(ctx, "s1")
	if got.Status != session.StatusQRReady {
		t.Errorf("status = %s, want qr_ready", got.Status)
	}
	if got.LastQRAt == nil {
		t.Error("lastQRTimestamp not set")
	}

	ems := notify.all()
	if len(ems) != 1 || ems[0].event != "qr" || ems[0].sessionID != "s1" {
		t.Fatalf("emissions = %+v", ems)
	}
	payload, ok := ems[0].payload.(map[string]any)
	if !ok || payload["qr"] != "ABC" {
		t.Errorf("qr payload = %+v, want qr=ABC", ems[0].payload)
	}
	if img, ok := payload["qrImage"].(string); !ok || !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Errorf("qr payload missing rendered image: %+v", payload)
	}
}

func TestDuplicateEventsSuppressed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	b, notify := newTestBridge(t, st)
	seedSession(t, st, &session.Session{ID: "s1", OwnerID: "o1", Status: session.StatusQRReady})

	first := b.HandleEvent(ctx, remote.Event{Kind: remote.EventStatus, SessionID: "s1", Status: "connected"})
	second := b.HandleEvent(ctx, remote.Event{Kind: remote.EventStatus, SessionID: "s1", Status: "connected"})

	if !first.Persisted || !first.Notified {
		t.Fatalf("first dispatch = %+v", first)
	}
	if second.Persisted || second.Notified {
		t.Fatalf("duplicate inside TTL must be fully suppressed, got %+v", second)
	}
	if got := len(notify.all()); got != 1 {
		t.Errorf("emissions = %d, want exactly 1", got)
	}
}

func TestUnknownStatusIsNotificationOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	b, notify := newTestBridge(t, st)
	seedSession(t, st, &session.Session{ID: "s1", OwnerID: "o1", Status: session.StatusConnected, IsConnected: true})

	d := b.HandleEvent(ctx, remote.Event{Kind: remote.EventStatus, SessionID: "s1", Status: "syncing_chats"})
	if d.Persisted {
		t.Error("unknown status must not touch the persisted record")
	}
	if !d.Notified {
		t.Error("unknown status must still be forwarded")
	}

	got, _ := st.FindOne(ctx, "s1")
	if got.Status != session.StatusConnected || !got.IsConnected {
		t.Errorf("record mutated by unknown status: %+v", got)
	}
	ems := notify.all()
	if len(ems) != 1 || ems[0].event != "status" {
		t.Fatalf("emissions = %+v", ems)
	}
}

func TestPersistenceFailureStillNotifies(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedSession(t, mem, &session.Session{ID: "s1", OwnerID: "o1", Status: session.StatusQRReady})
	st := &failingStore{SessionStore: mem, upsertErr: errors.New("disk full")}
	b, notify := newTestBridge(t, st)

	d := b.HandleEvent(ctx, remote.Event{Kind: remote.EventConnected, SessionID: "s1"})
	if d.Persisted {
		t.Error("persisted should be false when the write fails")
	}
	if !d.Notified {
		t.Error("client notification must not depend on persistence")
	}
	if got := len(notify.all()); got != 1 {
		t.Errorf("emissions = %d, want 1", got)
	}
}

func TestRejectedTransitionDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	b, _ := newTestBridge(t, st)
	seedSession(t, st, &session.Session{ID: "s1", OwnerID: "o1", Status: session.StatusDisconnected})

	// connected on a terminal session is not a legal edge
	d := b.HandleEvent(ctx, remote.Event{Kind: remote.EventConnected, SessionID: "s1"})
	if d.Persisted {
		t.Error("illegal transition must not persist")
	}
	got, _ := st.FindOne(ctx, "s1")
	if got.Status != session.StatusDisconnected {
		t.Errorf("status = %s, want disconnected", got.Status)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBridge(t, store.NewMemory())
	ch := &fakeChannel{}
	b.mu.Lock()
	b.ch = ch
	b.mu.Unlock()

	if err := b.Subscribe(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	n := len(b.active)
	b.mu.Unlock()
	if n != 1 {
		t.Errorf("active set has %d entries, want 1", n)
	}
	if !b.Subscribed("s1") {
		t.Error("Subscribed(s1) = false")
	}
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBridge(t, store.NewMemory())
	if err := b.Unsubscribe(ctx, "never-subscribed"); err != nil {
		t.Fatal(err)
	}
}

func TestSubscribeBeforeStartQueuesPending(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBridge(t, store.NewMemory())

	if err := b.Subscribe(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	_, pending := b.pending["s1"]
	_, active := b.active["s1"]
	b.mu.Unlock()
	if !pending || active {
		t.Errorf("pending=%v active=%v, want queued as pending only", pending, active)
	}
}

func TestDropNotifiesWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	b, notify := newTestBridge(t, st)
	seedSession(t, st, &session.Session{ID: "s1", OwnerID: "o1", Status: session.StatusConnected, IsConnected: true})

	ch := &fakeChannel{}
	b.attach(ctx, ch)
	if err := b.Subscribe(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	b.detach(ch, errors.New("read: connection reset"))

	got, _ := st.FindOne(ctx, "s1")
	if got.Status != session.StatusConnected || !got.IsConnected {
		t.Errorf("drop must not change persisted status, got %+v", got)
	}

	found := false
	for _, e := range notify.all() {
		if e.sessionID == "s1" && e.event == "bridge_disconnected" {
			found = true
		}
	}
	if !found {
		t.Error("watch group did not receive bridge_disconnected")
	}
}

func TestReattachResubscribesActiveSet(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBridge(t, store.NewMemory())

	first := &fakeChannel{}
	b.attach(ctx, first)
	b.Subscribe(ctx, "s1")
	b.Subscribe(ctx, "s2")
	b.detach(first, errors.New("drop"))

	second := &fakeChannel{}
	b.attach(ctx, second)

	subscribed := map[string]bool{}
	for _, cmd := range second.commands() {
		if cmd.Action == "subscribe" {
			subscribed[cmd.SessionID] = true
		}
	}
	if !subscribed["s1"] || !subscribed["s2"] {
		t.Errorf("resubscribed = %v, want s1 and s2", subscribed)
	}
}

func TestFailedSubscribeSendMovesToPending(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBridge(t, store.NewMemory())

	ch := &fakeChannel{errs: map[string]error{"s1": errors.New("broken pipe")}}
	b.mu.Lock()
	b.ch = ch
	b.mu.Unlock()

	if err := b.Subscribe(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	_, pending := b.pending["s1"]
	b.mu.Unlock()
	if !pending {
		t.Error("failed send should queue the subscription as pending")
	}
}

func TestKeepaliveFramesResetSilenceTimer(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBridge(t, store.NewMemory())

	ch := &scriptedChannel{events: make(chan remote.Event, 1)}
	ch.events <- remote.Event{Kind: "ping"} // no session id
	close(ch.events)

	old := time.Now().Add(-time.Hour)
	b.mu.Lock()
	b.lastEventAt = old
	b.mu.Unlock()

	_ = b.pump(ctx, ch)

	b.mu.Lock()
	got := b.lastEventAt
	b.mu.Unlock()
	if !got.After(old) {
		t.Error("session-less frame did not refresh the silence timer")
	}
}

func TestWatchdogForcesCloseOnSilentChannel(t *testing.T) {
	b, _ := newTestBridge(t, store.NewMemory())

	ch := &fakeChannel{}
	b.mu.Lock()
	b.ch = ch
	b.lastEventAt = time.Now().Add(-b.cfg.WatchdogGrace - time.Minute)
	b.mu.Unlock()

	b.checkLiveness()

	if !ch.isClosed() {
		t.Error("silent channel past grace period was not force-closed")
	}
}

func TestWatchdogKicksDialWhenUnreachable(t *testing.T) {
	b, _ := newTestBridge(t, store.NewMemory())

	b.mu.Lock()
	b.downSince = time.Now().Add(-b.cfg.WatchdogGrace - time.Minute)
	b.mu.Unlock()

	b.checkLiveness()

	select {
	case <-b.wake:
	default:
		t.Fatal("unreachable bridge did not get a forced dial")
	}

	// The grace window restarts after a forced dial, so an immediate second
	// pass stays quiet.
	b.checkLiveness()
	select {
	case <-b.wake:
		t.Error("second pass kicked again inside the restarted grace window")
	default:
	}
}

func TestStatusCacheExpiry(t *testing.T) {
	c := newStatusCache(16, 50*time.Millisecond)
	if c.Seen("s1", "connected") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !c.Seen("s1", "connected") {
		t.Fatal("second sighting inside TTL not suppressed")
	}
	if c.Seen("s1", "disconnected") {
		t.Fatal("different status must not collide")
	}
	time.Sleep(80 * time.Millisecond)
	if c.Seen("s1", "connected") {
		t.Fatal("entry should have expired")
	}
}
