// Package bridge owns the single duplex event channel to the remote
// automation service. It multiplexes per-session subscriptions over that
// channel, translates inbound remote events into store updates and client
// notifications, and keeps the channel alive across drops.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/amatiasdev/whatsapp-backend/config"
	"github.com/amatiasdev/whatsapp-backend/remote"
	"github.com/amatiasdev/whatsapp-backend/store"
)

var (
	bridgeUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_up",
		Help: "Whether the event channel to the automation service is live",
	})
	bridgeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_reconnects_total",
		Help: "Times the event channel was re-established",
	})
	bridgeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_events_total",
		Help: "Inbound remote events by kind",
	}, []string{"kind"})
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_active_subscriptions",
		Help: "Sessions currently subscribed on the event channel",
	})
)

// Notifier is the slice of the fan-out hub the bridge needs.
type Notifier interface {
	Emit(sessionID, event string, payload any)
	Broadcast(event string, payload any)
}

// Dispatch reports which side effects one inbound event produced. Events
// suppressed by the status cache produce neither.
type Dispatch struct {
	Persisted bool
	Notified  bool
}

// Bridge multiplexes session subscriptions over one event channel.
type Bridge struct {
	remote remote.Automation
	store  store.SessionStore
	notify Notifier
	cfg    *config.Config
	log    zerolog.Logger
	cache  *statusCache
	now    func() time.Time

	mu          sync.Mutex
	active      map[string]struct{}
	pending     map[string]struct{}
	ch          remote.EventChannel
	downSince   time.Time
	lastEventAt time.Time

	wake      chan struct{}
	startOnce sync.Once
}

func New(rmt remote.Automation, st store.SessionStore, notify Notifier, cfg *config.Config, log zerolog.Logger) *Bridge {
	return &Bridge{
		remote:  rmt,
		store:   st,
		notify:  notify,
		cfg:     cfg,
		log:     log.With().Str("component", "bridge").Logger(),
		cache:   newStatusCache(cfg.StatusCacheSize, cfg.StatusCacheTTL),
		now:     time.Now,
		active:  make(map[string]struct{}),
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the channel manager and the watchdog. Call it once at
// startup with a context spanning the process lifetime; subscriptions made
// before the first successful dial are queued and flushed on attach.
func (b *Bridge) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.downSince = b.now()
		b.mu.Unlock()
		go b.run(ctx)
		go b.watchdog(ctx)
	})
	b.kick()
}

// Subscribe registers interest in a session's events. With a live channel
// the subscription is issued immediately; otherwise it is queued and flushed
// on the next channel-open. Subscribing twice leaves one entry.
func (b *Bridge) Subscribe(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	ch := b.ch
	if ch == nil {
		b.pending[sessionID] = struct{}{}
		b.mu.Unlock()
		b.kick()
		return nil
	}
	b.active[sessionID] = struct{}{}
	b.mu.Unlock()
	b.syncGauges()

	if err := ch.Send(remote.Command{Action: "subscribe", SessionID: sessionID}); err != nil {
		// Channel going down; queue for the reconnect flush.
		b.mu.Lock()
		delete(b.active, sessionID)
		b.pending[sessionID] = struct{}{}
		b.mu.Unlock()
		b.kick()
		b.log.Warn().Err(err).Str("session_id", sessionID).Msg("subscribe send failed, queued as pending")
	}
	return nil
}

// Unsubscribe removes a session from both sets. Unsubscribing an unknown id
// is a no-op.
func (b *Bridge) Unsubscribe(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	_, wasActive := b.active[sessionID]
	delete(b.active, sessionID)
	delete(b.pending, sessionID)
	ch := b.ch
	b.mu.Unlock()
	b.syncGauges()

	if wasActive && ch != nil {
		if err := ch.Send(remote.Command{Action: "unsubscribe", SessionID: sessionID}); err != nil {
			b.log.Warn().Err(err).Str("session_id", sessionID).Msg("unsubscribe send failed")
		}
	}
	return nil
}

// Subscribed reports whether the session is in the active or pending set.
func (b *Bridge) Subscribed(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[sessionID]; ok {
		return true
	}
	_, ok := b.pending[sessionID]
	return ok
}

// Resume queues a subscription for every non-terminal session in the store.
// Called once at startup so the in-memory subscription set survives process
// restarts.
func (b *Bridge) Resume(ctx context.Context) error {
	sessions, err := b.store.FindActive(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := b.Subscribe(ctx, s.ID); err != nil {
			return err
		}
	}
	b.log.Info().Int("sessions", len(sessions)).Msg("resumed subscriptions from store")
	return nil
}

func (b *Bridge) kick() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// run is the channel manager: dial, flush subscriptions, pump events, and
// redial on drops. Channel failures never escape this loop.
func (b *Bridge) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		ch, err := b.remote.Dial(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			b.log.Warn().Err(err).Dur("retry_in", wait).Msg("event channel dial failed")
			select {
			case <-time.After(wait):
			case <-b.wake:
			case <-ctx.Done():
				return
			}
			continue
		}

		bo.Reset()
		bridgeReconnects.Inc()
		b.attach(ctx, ch)

		err = b.pump(ctx, ch)
		fast := b.detach(ch, err)
		if ctx.Err() != nil {
			return
		}
		if fast {
			continue
		}
		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-b.wake:
		case <-ctx.Done():
			return
		}
	}
}

// attach installs the new channel, then flushes pending subscriptions and
// re-issues subscribe for everything already active. Ordering covers both a
// first connect and a reconnect after a drop.
func (b *Bridge) attach(ctx context.Context, ch remote.EventChannel) {
	b.mu.Lock()
	b.ch = ch
	b.downSince = time.Time{}
	b.lastEventAt = b.now()
	for id := range b.pending {
		b.active[id] = struct{}{}
		delete(b.pending, id)
	}
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	bridgeUp.Set(1)
	b.syncGauges()

	for _, id := range ids {
		if err := ch.Send(remote.Command{Action: "subscribe", SessionID: id}); err != nil {
			b.log.Warn().Err(err).Str("session_id", id).Msg("resubscribe failed")
			return
		}
	}
	b.log.Info().Int("subscriptions", len(ids)).Msg("event channel attached")
}

// detach clears the dead channel and tells watch groups the bridge dropped.
// Persisted session status is deliberately untouched: the remote sessions may
// well still be alive, and only an explicit remote disconnected event may
// change the record. Returns whether an immediate redial is warranted.
func (b *Bridge) detach(ch remote.EventChannel, cause error) bool {
	b.mu.Lock()
	if b.ch == ch {
		b.ch = nil
		b.downSince = b.now()
	}
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	ch.Close()
	bridgeUp.Set(0)

	reason := "channel closed"
	if cause != nil {
		reason = cause.Error()
	}
	for _, id := range ids {
		b.notify.Emit(id, "bridge_disconnected", map[string]any{"reason": reason})
	}

	var rec *remote.Recoverable
	fast := errors.As(cause, &rec)
	b.log.Warn().Err(cause).Bool("fast_redial", fast).Int("subscriptions", len(ids)).
		Msg("event channel dropped")
	return fast
}

func (b *Bridge) pump(ctx context.Context, ch remote.EventChannel) error {
	for {
		evt, err := ch.Receive()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Any inbound frame proves the channel alive, including session-less
		// keepalives, so the silence timer resets before the skip.
		b.mu.Lock()
		b.lastEventAt = b.now()
		b.mu.Unlock()
		if evt.SessionID == "" {
			continue
		}
		b.HandleEvent(ctx, evt)
	}
}

// watchdog forces a hard reconnect when the bridge has been continuously
// unreachable, or a live channel silent, for longer than the grace period.
// The single ticker goroutine makes checks inherently non-overlapping.
func (b *Bridge) watchdog(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		b.checkLiveness()
	}
}

// checkLiveness is one watchdog pass: a live channel silent past the grace
// period is force-closed, an unreachable bridge gets a forced dial.
func (b *Bridge) checkLiveness() {
	now := b.now()
	b.mu.Lock()
	ch := b.ch
	stuck := ch != nil && now.Sub(b.lastEventAt) > b.cfg.WatchdogGrace
	unreachable := ch == nil && !b.downSince.IsZero() && now.Sub(b.downSince) > b.cfg.WatchdogGrace
	if unreachable {
		// Restart the grace window so the next forced attempt is a full
		// period away.
		b.downSince = now
	}
	b.mu.Unlock()

	switch {
	case stuck:
		b.log.Warn().Msg("watchdog: channel silent past grace period, forcing reconnect")
		ch.Close() // pump errors out, run redials
	case unreachable:
		b.log.Warn().Msg("watchdog: bridge unreachable past grace period, forcing dial")
		b.kick()
	}
}

func (b *Bridge) syncGauges() {
	b.mu.Lock()
	n := len(b.active)
	b.mu.Unlock()
	activeSubscriptions.Set(float64(n))
}
