package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amatiasdev/whatsapp-backend/session"
	"github.com/amatiasdev/whatsapp-backend/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	owner_id            TEXT NOT NULL,
	status              TEXT NOT NULL,
	is_connected        INTEGER NOT NULL DEFAULT 0,
	is_listening        INTEGER NOT NULL DEFAULT 0,
	last_qr_at          TIMESTAMP,
	last_connected_at   TIMESTAMP,
	last_disconnected_at TIMESTAMP,
	failure_reason      TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL,
	deleted_at          TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, deleted_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, deleted_at);
`

// SQLite is the production SessionStore, backed by a local sqlite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (retrying transient failures) and bootstraps the database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	var db *sql.DB
	err := utils.WithRetry(func() error {
		var err error
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return err
		}
		return db.PingContext(ctx)
	}, utils.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

const selectCols = `id, owner_id, status, is_connected, is_listening,
	last_qr_at, last_connected_at, last_disconnected_at,
	failure_reason, created_at, updated_at, deleted_at`

func (s *SQLite) Find(ctx context.Context, ownerID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM sessions
		 WHERE owner_id = ? AND deleted_at IS NULL
		 ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, session.E(session.KindPersistence, "", "store.find", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *SQLite) FindOne(ctx context.Context, sessionID string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM sessions WHERE id = ?`, sessionID)
	rec, err := scanOne(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, session.E(session.KindPersistence, sessionID, "store.findOne", err)
	}
	return rec, nil
}

func (s *SQLite) Upsert(ctx context.Context, rec *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+selectCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			status = excluded.status,
			is_connected = excluded.is_connected,
			is_listening = excluded.is_listening,
			last_qr_at = excluded.last_qr_at,
			last_connected_at = excluded.last_connected_at,
			last_disconnected_at = excluded.last_disconnected_at,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			deleted_at = COALESCE(sessions.deleted_at, excluded.deleted_at)`,
		rec.ID, rec.OwnerID, string(rec.Status),
		boolInt(rec.IsConnected), boolInt(rec.IsListening),
		nullTime(rec.LastQRAt), nullTime(rec.LastConnectedAt), nullTime(rec.LastDisconnectedAt),
		rec.FailureReason, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.DeletedAt))
	if err != nil {
		return session.E(session.KindPersistence, rec.ID, "store.upsert", err)
	}
	return nil
}

func (s *SQLite) SoftDelete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now(), sessionID)
	if err != nil {
		return session.E(session.KindPersistence, sessionID, "store.softDelete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already soft-deleted; only the former is an error.
		existing, err := s.FindOne(ctx, sessionID)
		if err != nil {
			return err
		}
		if existing == nil {
			return session.E(session.KindNotFound, sessionID, "store.softDelete", nil)
		}
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return session.E(session.KindPersistence, sessionID, "store.delete", err)
	}
	return nil
}

func (s *SQLite) FindActive(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM sessions
		 WHERE deleted_at IS NULL AND status NOT IN (?, ?)
		 ORDER BY updated_at DESC`,
		string(session.StatusDisconnected), string(session.StatusFailed))
	if err != nil {
		return nil, session.E(session.KindPersistence, "", "store.findActive", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *SQLite) FindReapable(ctx context.Context, staleBefore, retainBefore time.Time) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM sessions
		 WHERE deleted_at IS NULL AND (
			status = ?
			OR (status IN (?, ?) AND updated_at < ?)
			OR (status = ? AND last_disconnected_at IS NOT NULL AND last_disconnected_at < ?)
		 )
		 ORDER BY updated_at DESC`,
		string(session.StatusFailed),
		string(session.StatusInitializing), string(session.StatusQRReady), staleBefore,
		string(session.StatusDisconnected), retainBefore)
	if err != nil {
		return nil, session.E(session.KindPersistence, "", "store.findReapable", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row scanner) (*session.Session, error) {
	var (
		rec                       session.Session
		status                    string
		connected, listening      int
		qrAt, connAt, discAt, del sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &status, &connected, &listening,
		&qrAt, &connAt, &discAt, &rec.FailureReason,
		&rec.CreatedAt, &rec.UpdatedAt, &del)
	if err != nil {
		return nil, err
	}
	rec.Status = session.Status(status)
	rec.IsConnected = connected != 0
	rec.IsListening = listening != 0
	rec.LastQRAt = timePtr(qrAt)
	rec.LastConnectedAt = timePtr(connAt)
	rec.LastDisconnectedAt = timePtr(discAt)
	rec.DeletedAt = timePtr(del)
	return &rec, nil
}

func scanAll(rows *sql.Rows) ([]*session.Session, error) {
	var out []*session.Session
	for rows.Next() {
		rec, err := scanOne(rows)
		if err != nil {
			return nil, session.E(session.KindPersistence, "", "store.scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, session.E(session.KindPersistence, "", "store.scan", err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
