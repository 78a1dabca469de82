// SPDX-License-Identifier: MIT

package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	session_id  TEXT    NOT NULL,
	version     INTEGER NOT NULL,
	event_type  TEXT    NOT NULL,
	status      TEXT    NOT NULL DEFAULT '',
	occurred_at TEXT    NOT NULL,
	state       TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, version)
);
CREATE INDEX IF NOT EXISTS idx_session_events_occurred_at
	ON session_events (occurred_at);

CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	status       TEXT    NOT NULL,
	last_version INTEGER NOT NULL,
	first_seen   TEXT    NOT NULL,
	last_seen    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
`

// Writer persists audit events into the relational store. Inserts are
// keyed on (session_id, version), so a redelivered entry is a no-op and
// the queue's at-least-once delivery stays idempotent.
type Writer struct {
	db *sql.DB
}

// NewWriter ensures the schema and returns a writer over the given pool.
func NewWriter(db *sql.DB) (*Writer, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit: ensure schema: %w", err)
	}
	return &Writer{db: db}, nil
}

// Write stores one event and refreshes the per-session summary row.
func (w *Writer) Write(ctx context.Context, ev Event) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	occurred := ev.OccurredAt.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_events
			(session_id, version, event_type, status, occurred_at, state)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Version, string(ev.Type), string(ev.Status), occurred, string(ev.State),
	); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, status, last_version, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			status       = CASE WHEN excluded.last_version >= sessions.last_version THEN excluded.status ELSE sessions.status END,
			last_version = MAX(sessions.last_version, excluded.last_version),
			last_seen    = MAX(sessions.last_seen, excluded.last_seen)`,
		ev.SessionID, string(ev.Status), ev.Version, occurred, occurred,
	); err != nil {
		return fmt.Errorf("audit: upsert summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

// EventRecord is one stored audit row.
type EventRecord struct {
	SessionID  string
	Version    int64
	Type       EventType
	Status     string
	OccurredAt time.Time
	State      string
}

// History returns a session's events in version order.
func (w *Writer) History(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT session_id, version, event_type, status, occurred_at, state
		 FROM session_events WHERE session_id = ? ORDER BY version`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var occurred string
		if err := rows.Scan(&rec.SessionID, &rec.Version, &rec.Type, &rec.Status, &occurred, &rec.State); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec.OccurredAt, err = time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, fmt.Errorf("audit: parse occurred_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
