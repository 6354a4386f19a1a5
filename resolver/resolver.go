// Package resolver answers "give me an active session for this caller". It
// prefers reusing an existing session over creating a new one, because every
// fresh session costs the end user a QR scan.
package resolver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/amatiasdev/whatsapp-backend/config"
	"github.com/amatiasdev/whatsapp-backend/remote"
	"github.com/amatiasdev/whatsapp-backend/session"
	"github.com/amatiasdev/whatsapp-backend/store"
)

var resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resolver_resolutions_total",
	Help: "Session resolutions by outcome tier",
}, []string{"tier"})

// Subscriber is the slice of the bridge the resolver needs.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) error
	Unsubscribe(ctx context.Context, sessionID string) error
}

// Resolver decides between session reuse and creation.
type Resolver struct {
	store  store.SessionStore
	remote remote.Automation
	bridge Subscriber
	cfg    *config.Config
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string
}

func New(st store.SessionStore, rmt remote.Automation, br Subscriber, cfg *config.Config, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:  st,
		remote: rmt,
		bridge: br,
		cfg:    cfg,
		log:    log.With().Str("component", "resolver").Logger(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Recommendation is the answer to a restore lookup: either a reusable
// session, or advice to create a new one.
type Recommendation struct {
	Session   *session.Session `json:"session,omitempty"`
	CreateNew bool             `json:"createNew"`
	Reason    string           `json:"reason"`
}

// GetOrCreate returns a usable session for the owner, creating one only when
// no existing candidate qualifies under any reuse tier. The second return
// value reports whether a session was created.
func (r *Resolver) GetOrCreate(ctx context.Context, ownerID string) (*session.Session, bool, error) {
	candidates, err := r.candidates(ctx, ownerID)
	if err != nil {
		return nil, false, err
	}

	now := r.now()

	// Tier 1: recently connected, no remote round-trip.
	for _, s := range candidates {
		if s.IsConnected && within(s.LastConnectedAt, now, r.cfg.ConnFreshness) {
			resolutions.WithLabelValues("immediate").Inc()
			r.confirm(ctx, s.ID)
			return s, false, nil
		}
	}

	// Tier 2: a QR challenge the user may still be looking at.
	for _, s := range candidates {
		if s.Status == session.StatusQRReady && within(s.LastQRAt, now, r.cfg.QRFreshness) {
			resolutions.WithLabelValues("qr").Inc()
			r.confirm(ctx, s.ID)
			return s, false, nil
		}
	}

	// Tier 3: older connected/qr_ready sessions, verified remotely with a
	// hard deadline per candidate.
	for _, s := range candidates {
		if s.Status != session.StatusConnected && s.Status != session.StatusQRReady {
			continue
		}
		reused, ok := r.verify(ctx, s, now)
		if ok {
			resolutions.WithLabelValues("verified").Inc()
			r.confirm(ctx, reused.ID)
			return reused, false, nil
		}
	}

	// Tier 4: nothing qualified.
	created, err := r.create(ctx, ownerID)
	if err != nil {
		return nil, false, err
	}
	resolutions.WithLabelValues("created").Inc()
	return created, true, nil
}

// candidates returns the owner's live sessions, most recent first, capped at
// the configured scan bound so one noisy owner cannot stretch request latency.
func (r *Resolver) candidates(ctx context.Context, ownerID string) ([]*session.Session, error) {
	sessions, err := r.store.Find(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(sessions) > r.cfg.CandidateLimit {
		sessions = sessions[:r.cfg.CandidateLimit]
	}
	return sessions, nil
}

// verify runs the bounded remote status query for one stale candidate.
// Returns (session, true) when the candidate is reusable. A timeout inside
// the grace window counts as reusable: the remote service being busy is not
// evidence the session died.
func (r *Resolver) verify(ctx context.Context, s *session.Session, now time.Time) (*session.Session, bool) {
	vctx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	defer cancel()

	status, err := r.remote.GetStatus(vctx, s.ID)
	if err != nil {
		if now.Sub(s.LastActivity()) <= r.cfg.VerifyGrace {
			r.log.Info().Str("session_id", s.ID).Err(err).
				Msg("remote verify failed inside grace window, reusing optimistically")
			return s, true
		}
		r.retire(ctx, s, now)
		return nil, false
	}

	if !status.Exists {
		r.retire(ctx, s, now)
		return nil, false
	}

	// Definitive answer: sync our record from the remote view.
	if status.IsConnected {
		if err := s.ApplyConnected(now); err != nil {
			r.log.Warn().Err(err).Str("session_id", s.ID).Msg("verify sync rejected")
			return nil, false
		}
		s.IsListening = status.IsListening
	} else {
		s.IsConnected = false
		s.IsListening = false
	}
	s.UpdatedAt = now
	if err := r.store.Upsert(ctx, s); err != nil {
		r.log.Error().Err(err).Str("session_id", s.ID).Msg("verify sync write failed")
	}
	return s, true
}

// retire marks a candidate disconnected after a definitive negative (or an
// error outside the grace window) and moves on.
func (r *Resolver) retire(ctx context.Context, s *session.Session, now time.Time) {
	if err := s.ApplyDisconnected(now); err != nil {
		return
	}
	if err := r.store.Upsert(ctx, s); err != nil {
		r.log.Error().Err(err).Str("session_id", s.ID).Msg("retire write failed")
	}
}

// create persists a fresh initializing session, asks the remote to start it,
// and subscribes the bridge. The per-owner cap retires the oldest live
// session first.
func (r *Resolver) create(ctx context.Context, ownerID string) (*session.Session, error) {
	return r.createWithID(ctx, r.newID(), ownerID)
}

// Create registers a session under a caller-chosen identifier.
func (r *Resolver) Create(ctx context.Context, sessionID, ownerID string) (*session.Session, error) {
	if dup, err := r.store.FindOne(ctx, sessionID); err != nil {
		return nil, err
	} else if dup != nil {
		return nil, session.Errorf(session.KindInvalidState, sessionID, "create",
			"session already exists")
	}
	return r.createWithID(ctx, sessionID, ownerID)
}

func (r *Resolver) createWithID(ctx context.Context, sessionID, ownerID string) (*session.Session, error) {
	now := r.now()

	// The cap counts the owner's full live set, not the bounded candidate
	// scan; otherwise owners with more sessions than the scan bound could
	// slip past it.
	existing, err := r.store.Find(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	live := 0
	var oldest *session.Session
	for _, s := range existing {
		if s.Status.Terminal() {
			continue
		}
		live++
		if oldest == nil || s.LastActivity().Before(oldest.LastActivity()) {
			oldest = s
		}
	}
	if live >= r.cfg.OwnerSessionCap && oldest != nil {
		r.log.Info().Str("session_id", oldest.ID).Str("owner_id", ownerID).
			Msg("owner at session cap, retiring oldest")
		r.bridge.Unsubscribe(ctx, oldest.ID)
		r.retire(ctx, oldest, now)
		if err := r.store.SoftDelete(ctx, oldest.ID); err != nil {
			r.log.Error().Err(err).Str("session_id", oldest.ID).Msg("cap retirement failed")
		}
	}

	s := &session.Session{
		ID:        sessionID,
		OwnerID:   ownerID,
		Status:    session.StatusInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Upsert(ctx, s); err != nil {
		return nil, err
	}

	ictx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	defer cancel()
	if err := r.remote.Initialize(ictx, s.ID); err != nil {
		if ferr := s.ApplyFailed(err.Error(), r.now()); ferr == nil {
			if perr := r.store.Upsert(ctx, s); perr != nil {
				r.log.Error().Err(perr).Str("session_id", s.ID).Msg("failure write failed")
			}
		}
		return nil, err
	}

	if err := s.Transition(session.StatusQRReady); err != nil {
		return nil, err
	}
	s.UpdatedAt = r.now()
	if err := r.store.Upsert(ctx, s); err != nil {
		return nil, err
	}
	r.confirm(ctx, s.ID)
	return s, nil
}

// WakeUp re-arms a known session: re-confirms its bridge subscription and,
// for terminal sessions, walks it back through initialization.
func (r *Resolver) WakeUp(ctx context.Context, sessionID, ownerID string) (*session.Session, error) {
	s, err := r.owned(ctx, sessionID, ownerID, "wakeUp")
	if err != nil {
		return nil, err
	}

	if !s.Status.Terminal() {
		r.confirm(ctx, s.ID)
		return s, nil
	}

	if err := s.Transition(session.StatusInitializing); err != nil {
		return nil, err
	}
	s.UpdatedAt = r.now()
	if err := r.store.Upsert(ctx, s); err != nil {
		return nil, err
	}

	ictx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	defer cancel()
	if err := r.remote.Initialize(ictx, s.ID); err != nil {
		if ferr := s.ApplyFailed(err.Error(), r.now()); ferr == nil {
			if perr := r.store.Upsert(ctx, s); perr != nil {
				r.log.Error().Err(perr).Str("session_id", s.ID).Msg("failure write failed")
			}
		}
		return nil, err
	}

	if err := s.Transition(session.StatusQRReady); err != nil {
		return nil, err
	}
	s.UpdatedAt = r.now()
	if err := r.store.Upsert(ctx, s); err != nil {
		return nil, err
	}
	r.confirm(ctx, s.ID)
	return s, nil
}

// Restore reports the best reusable candidate without touching the remote
// service; callers decide whether to follow up with GetOrCreate.
func (r *Resolver) Restore(ctx context.Context, ownerID string) (*Recommendation, error) {
	candidates, err := r.candidates(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	for _, s := range candidates {
		if s.IsConnected && within(s.LastConnectedAt, now, r.cfg.ConnFreshness) {
			return &Recommendation{Session: s, Reason: "recently connected"}, nil
		}
	}
	for _, s := range candidates {
		if s.Status == session.StatusQRReady && within(s.LastQRAt, now, r.cfg.QRFreshness) {
			return &Recommendation{Session: s, Reason: "qr challenge still fresh"}, nil
		}
	}
	return &Recommendation{CreateNew: true, Reason: "no reusable candidate"}, nil
}

// Disconnect explicitly drops a session: bridge unsubscribe, best-effort
// remote teardown, then soft delete.
func (r *Resolver) Disconnect(ctx context.Context, sessionID, ownerID string) error {
	s, err := r.owned(ctx, sessionID, ownerID, "disconnect")
	if err != nil {
		return err
	}

	r.bridge.Unsubscribe(ctx, s.ID)

	tctx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	defer cancel()
	if err := r.remote.Teardown(tctx, s.ID); err != nil {
		r.log.Warn().Err(err).Str("session_id", s.ID).Msg("remote teardown failed, continuing")
	}

	now := r.now()
	if !s.Status.Terminal() {
		r.retire(ctx, s, now)
	}
	return r.store.SoftDelete(ctx, s.ID)
}

// SetListening toggles message listening. Valid only while connected.
func (r *Resolver) SetListening(ctx context.Context, sessionID, ownerID string, on bool) (*session.Session, error) {
	s, err := r.owned(ctx, sessionID, ownerID, "listen")
	if err != nil {
		return nil, err
	}
	if err := s.SetListening(on); err != nil {
		return nil, err
	}
	s.UpdatedAt = r.now()
	if err := r.store.Upsert(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// owned loads a session and checks caller ownership. An owner mismatch is
// reported as not-found so callers cannot probe for foreign session ids.
func (r *Resolver) owned(ctx context.Context, sessionID, ownerID, op string) (*session.Session, error) {
	s, err := r.store.FindOne(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Deleted() || (ownerID != "" && s.OwnerID != ownerID) {
		return nil, session.E(session.KindNotFound, sessionID, op, nil)
	}
	return s, nil
}

// confirm (re)establishes the bridge subscription; subscriptions are
// idempotent so re-confirming a live one is harmless. A caller cancelling
// its request does not roll this back.
func (r *Resolver) confirm(ctx context.Context, sessionID string) {
	if err := r.bridge.Subscribe(ctx, sessionID); err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("bridge subscription failed")
	}
}

func within(t *time.Time, now time.Time, window time.Duration) bool {
	return t != nil && now.Sub(*t) <= window
}
