// Package journal keeps a local, append-only record of subprocess lifecycle
// events. It exists for post-mortem diagnostics on user machines: when a
// backend dies in the field, the journal is what support asks for.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventFailure EventType = "failure"
	EventHealth  EventType = "health"
)

// Event is one journal row.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail"`
}

// Journal is a sqlite-backed event log. Safe for concurrent use; database/sql
// serializes access.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path and ensures the schema.
// ":memory:" is accepted for tests.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal: empty database path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) ensureSchema(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS lifecycle_events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at TIMESTAMP NOT NULL,
		event TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		detail TEXT NOT NULL
	)`)
	return err
}

// Append records one event. The timestamp defaults to now when unset.
func (j *Journal) Append(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events(occurred_at, event, name, pid, detail) VALUES(?,?,?,?,?)`,
		e.OccurredAt, string(e.Type), e.Name, e.PID, e.Detail)
	return err
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT occurred_at, event, name, pid, detail FROM lifecycle_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Name, &e.PID, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error { return j.db.Close() }
