// Package api is the thin HTTP surface over the session engine. Caller
// identity arrives in the X-Owner-ID header, resolved by the authentication
// layer in front of this service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/amatiasdev/whatsapp-backend/config"
	"github.com/amatiasdev/whatsapp-backend/notifier"
	"github.com/amatiasdev/whatsapp-backend/resolver"
	"github.com/amatiasdev/whatsapp-backend/session"
)

const ownerHeader = "X-Owner-ID"

// Server wires the HTTP routes to the resolver and the notifier hub.
type Server struct {
	resolver *resolver.Resolver
	hub      *notifier.Hub
	cfg      *config.Config
	log      zerolog.Logger
	limiter  *ownerLimiter
	httpSrv  *http.Server
	stop     chan struct{}
}

func NewServer(res *resolver.Resolver, hub *notifier.Hub, cfg *config.Config, log zerolog.Logger) *Server {
	s := &Server{
		resolver: res,
		hub:      hub,
		cfg:      cfg,
		log:      log.With().Str("component", "api").Logger(),
		limiter:  newOwnerLimiter(cfg.CreateRatePerMin, cfg.CreateBurst),
		stop:     make(chan struct{}),
	}
	s.limiter.startCleanup(time.Minute, 10*time.Minute, s.stop)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions/active", s.handleGetOrCreate)
	mux.HandleFunc("GET /api/v1/sessions/restore", s.handleRestore)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreate)
	mux.HandleFunc("POST /api/v1/sessions/{id}/wakeup", s.handleWakeUp)
	mux.HandleFunc("POST /api/v1/sessions/{id}/listen", s.handleListen(true))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/listen", s.handleListen(false))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDisconnect)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleWatch)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("api server listening")
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	sess, created, err := s.resolver.GetOrCreate(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	s.respond(w, code, map[string]any{"session": sess, "created": created})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	rec, err := s.resolver.Restore(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	if !s.limiter.Allow(owner) {
		s.respond(w, http.StatusTooManyRequests, map[string]any{
			"error": "session creation rate exceeded"})
		return
	}

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		s.respond(w, http.StatusBadRequest, map[string]any{"error": "sessionId required"})
		return
	}

	sess, err := s.resolver.Create(r.Context(), body.SessionID, owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) handleWakeUp(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	sess, err := s.resolver.WakeUp(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleListen(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := s.owner(w, r)
		if !ok {
			return
		}

		sess, err := s.resolver.SetListening(r.Context(), r.PathValue("id"), owner, on)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"session": sess})
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	if err := s.resolver.Disconnect(r.Context(), r.PathValue("id"), owner); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.ServeWS(w, r, r.PathValue("id")); err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
	}
}

func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		s.respond(w, http.StatusUnauthorized, map[string]any{
			"error": ownerHeader + " header required"})
		return "", false
	}
	return owner, true
}

func (s *Server) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

// fail maps the error taxonomy onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case session.IsKind(err, session.KindNotFound):
		code = http.StatusNotFound
	case session.IsKind(err, session.KindInvalidState),
		session.IsKind(err, session.KindInvalidTransition):
		code = http.StatusConflict
	case session.IsKind(err, session.KindRemoteRejected):
		code = http.StatusBadGateway
	case session.IsKind(err, session.KindRemoteUnavailable):
		code = http.StatusGatewayTimeout
	}
	s.log.Warn().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	s.respond(w, code, map[string]any{"error": err.Error()})
}
