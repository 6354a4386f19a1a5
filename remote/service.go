package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/amatiasdev/whatsapp-backend/session"
)

// Service talks to the automation service over HTTP (request/response
// operations) and websocket (the event channel).
type Service struct {
	baseURL string
	wsURL   string
	http    *http.Client
	dialer  *websocket.Dialer
	log     zerolog.Logger
}

func NewService(baseURL, wsURL string, log zerolog.Logger) *Service {
	return &Service{
		baseURL: baseURL,
		wsURL:   wsURL,
		http:    &http.Client{},
		dialer:  websocket.DefaultDialer,
		log:     log.With().Str("component", "remote").Logger(),
	}
}

func (s *Service) GetStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var status SessionStatus
	url := fmt.Sprintf("%s/api/sessions/%s/status", s.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return status, session.E(session.KindRemoteUnavailable, sessionID, "remote.getStatus", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return status, session.E(session.KindRemoteUnavailable, sessionID, "remote.getStatus", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Definitive: the service does not know this session.
		return SessionStatus{Exists: false}, nil
	case resp.StatusCode >= 500:
		return status, session.Errorf(session.KindRemoteUnavailable, sessionID,
			"remote.getStatus", "remote returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return status, session.Errorf(session.KindRemoteRejected, sessionID,
			"remote.getStatus", "remote returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, session.E(session.KindRemoteUnavailable, sessionID, "remote.getStatus", err)
	}
	return status, nil
}

func (s *Service) Initialize(ctx context.Context, sessionID string) error {
	return s.post(ctx, sessionID, "remote.initialize",
		fmt.Sprintf("%s/api/sessions/%s/init", s.baseURL, sessionID))
}

func (s *Service) Teardown(ctx context.Context, sessionID string) error {
	return s.post(ctx, sessionID, "remote.teardown",
		fmt.Sprintf("%s/api/sessions/%s/teardown", s.baseURL, sessionID))
}

func (s *Service) post(ctx context.Context, sessionID, op, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return session.E(session.KindRemoteUnavailable, sessionID, op, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return session.E(session.KindRemoteUnavailable, sessionID, op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return session.Errorf(session.KindRemoteUnavailable, sessionID, op,
			"remote returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return session.Errorf(session.KindRemoteRejected, sessionID, op,
			"remote returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) Dial(ctx context.Context) (EventChannel, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return nil, session.E(session.KindRemoteUnavailable, "", "remote.dial", err)
	}
	s.log.Info().Str("url", s.wsURL).Msg("event channel established")
	return &wsChannel{conn: conn}, nil
}

// wsChannel wraps a websocket connection. Gorilla connections allow one
// concurrent writer, so Send serializes through a mutex.
type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  sync.Once
}

func (c *wsChannel) Send(cmd Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(cmd)
}

func (c *wsChannel) Receive() (Event, error) {
	var evt Event
	if err := c.conn.ReadJSON(&evt); err != nil {
		if recoverableDrop(err) {
			return evt, &Recoverable{Err: err}
		}
		return evt, err
	}
	return evt, nil
}

func (c *wsChannel) Close() error {
	var err error
	c.closed.Do(func() { err = c.conn.Close() })
	return err
}

// recoverableDrop reports drops that are typically followed by the remote
// service coming straight back (clean close, going-away during a deploy,
// reset by peer). Anything else goes through the backoff path.
func recoverableDrop(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return netErr.Op == "read" && !netErr.Timeout()
	}
	return false
}
