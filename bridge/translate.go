package bridge

import (
	"context"
	"encoding/base64"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/amatiasdev/whatsapp-backend/remote"
	"github.com/amatiasdev/whatsapp-backend/session"
)

// HandleEvent translates one inbound remote event: de-duplicate, persist the
// matching status transition, then fan out to the session's watch group.
// Client notification is best-effort and happens regardless of persistence
// outcome; a persistence failure is logged and retried only when the next
// event arrives. The returned Dispatch lets tests assert side effects.
func (b *Bridge) HandleEvent(ctx context.Context, evt remote.Event) Dispatch {
	bridgeEvents.WithLabelValues(evt.Kind).Inc()

	if b.cache.Seen(evt.SessionID, dedupeKey(evt)) {
		return Dispatch{}
	}

	now := b.now()
	var d Dispatch

	switch evt.Kind {
	case remote.EventQR:
		d.Persisted = b.persist(ctx, evt.SessionID, func(s *session.Session) error {
			return s.ApplyQR(now)
		})
		b.notify.Emit(evt.SessionID, "qr", qrPayload(evt.QR))
		d.Notified = true

	case remote.EventConnected:
		d.Persisted = b.persist(ctx, evt.SessionID, func(s *session.Session) error {
			return s.ApplyConnected(now)
		})
		b.notify.Emit(evt.SessionID, "connected", nil)
		d.Notified = true

	case remote.EventDisconnected:
		d.Persisted = b.persist(ctx, evt.SessionID, func(s *session.Session) error {
			return s.ApplyDisconnected(now)
		})
		b.notify.Emit(evt.SessionID, "disconnected", map[string]any{"reason": evt.Reason})
		d.Notified = true

	case remote.EventError:
		d.Persisted = b.persist(ctx, evt.SessionID, func(s *session.Session) error {
			return s.ApplyFailed(evt.Error, now)
		})
		b.notify.Emit(evt.SessionID, "error", map[string]any{"error": evt.Error})
		d.Notified = true

	case remote.EventStatus:
		d = b.handleStatus(ctx, evt, now)

	default:
		// Unknown event kinds are forwarded untouched; the persisted
		// record is not consulted.
		b.notify.Emit(evt.SessionID, evt.Kind, rawPayload(evt))
		d.Notified = true
	}

	return d
}

// handleStatus maps a generic status event onto the transition table. An
// unrecognized status string is notification-only.
func (b *Bridge) handleStatus(ctx context.Context, evt remote.Event, now time.Time) Dispatch {
	d := Dispatch{Notified: true}
	status := session.Status(evt.Status)

	if status.Known() {
		d.Persisted = b.persist(ctx, evt.SessionID, func(s *session.Session) error {
			switch status {
			case session.StatusQRReady:
				return s.ApplyQR(now)
			case session.StatusConnected:
				return s.ApplyConnected(now)
			case session.StatusDisconnected:
				return s.ApplyDisconnected(now)
			case session.StatusFailed:
				return s.ApplyFailed(evt.Reason, now)
			default:
				return s.Transition(status)
			}
		})
	}

	b.notify.Emit(evt.SessionID, "status", map[string]any{"status": evt.Status})
	return d
}

// persist loads, mutates, and writes back one session record. Every failure
// path returns false without interrupting event flow: missing or deleted
// records are skipped, illegal transitions are rejected, and store errors are
// logged for the next event to retry.
func (b *Bridge) persist(ctx context.Context, sessionID string, apply func(*session.Session) error) bool {
	s, err := b.store.FindOne(ctx, sessionID)
	if err != nil {
		b.log.Error().Err(err).Str("session_id", sessionID).Msg("event persistence read failed")
		return false
	}
	if s == nil || s.Deleted() {
		b.log.Debug().Str("session_id", sessionID).Msg("event for unknown or deleted session")
		return false
	}
	if err := apply(s); err != nil {
		b.log.Debug().Err(err).Str("session_id", sessionID).Msg("event rejected by transition table")
		return false
	}
	if err := b.store.Upsert(ctx, s); err != nil {
		b.log.Error().Err(err).Str("session_id", sessionID).Msg("event persistence write failed")
		return false
	}
	return true
}

// dedupeKey collapses re-emitted events: status-bearing events key on their
// status, QR events on the code itself so a genuinely new QR still goes out.
func dedupeKey(evt remote.Event) string {
	switch evt.Kind {
	case remote.EventStatus:
		return "status:" + evt.Status
	case remote.EventQR:
		return "qr:" + evt.QR
	case remote.EventError:
		return "error:" + evt.Error
	default:
		return evt.Kind
	}
}

// qrPayload ships both the raw QR string and a rendered PNG so front-ends
// without a QR library can drop the image straight into an <img> tag.
func qrPayload(code string) map[string]any {
	payload := map[string]any{"qr": code}
	if png, err := qrcode.Encode(code, qrcode.Medium, 256); err == nil {
		payload["qrImage"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}
	return payload
}

func rawPayload(evt remote.Event) map[string]any {
	payload := map[string]any{}
	if evt.Status != "" {
		payload["status"] = evt.Status
	}
	if evt.Reason != "" {
		payload["reason"] = evt.Reason
	}
	if evt.Error != "" {
		payload["error"] = evt.Error
	}
	if len(evt.Extra) > 0 {
		payload["extra"] = evt.Extra
	}
	return payload
}
