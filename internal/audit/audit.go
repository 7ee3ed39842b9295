// Package audit keeps an append-only event log per run, backed by an
// embedded libSQL database in the run's directory. Events record every
// state transition with a monotonic per-run sequence so a run's history
// can be replayed or inspected after the fact.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// Event types emitted by the engine.
const (
	EventRunStarted    = "run.started"
	EventRunResumed    = "run.resumed"
	EventRunFinished   = "run.finished"
	EventStepStarted   = "step.started"
	EventStepFinished  = "step.finished"
	EventStepSkipped   = "step.skipped"
	EventStepRetried   = "step.retried"
	EventLoopIteration = "loop.iteration"
	EventTransition    = "flow.transition"
	EventCancelled     = "run.cancelled"
)

// Event is one audit record.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Log is the per-run event log.
type Log struct {
	db    *sql.DB
	runID string
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL,
	step      TEXT,
	type      TEXT NOT NULL,
	payload   TEXT,
	timestamp DATETIME NOT NULL,
	sequence  INTEGER NOT NULL,
	UNIQUE(run_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, sequence);
`

// Open creates or opens the event log inside runDir.
func Open(ctx context.Context, runDir, runID string) (*Log, error) {
	db, err := sql.Open("libsql", "file:"+filepath.Join(runDir, "events.db"))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState, "open event log: %s", err.Error()).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs; some return rows, so QueryRow drains them.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if _, err := db.ExecContext(ctx, eventsSchema); err != nil {
		db.Close()
		return nil, schema.NewErrorf(schema.ErrCodeState, "init event log: %s", err.Error()).WithCause(err)
	}
	return &Log{db: db, runID: runID}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error { return l.db.Close() }

// Append writes one event with the next sequence number. Payload may be any
// JSON-marshalable value or nil.
func (l *Log) Append(ctx context.Context, eventType, step string, payload any) error {
	var raw any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeState, "marshal event payload: %s", err.Error()).WithCause(err)
		}
		raw = string(data)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeState, "begin event tx: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, l.runID,
	).Scan(&seq); err != nil {
		return schema.NewErrorf(schema.ErrCodeState, "next event sequence: %s", err.Error()).WithCause(err)
	}

	var stepArg any
	if step != "" {
		stepArg = step
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step, type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		l.runID, stepArg, eventType, raw, time.Now().UTC(), seq,
	); err != nil {
		return schema.NewErrorf(schema.ErrCodeState, "insert event: %s", err.Error()).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeState, "commit event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Events returns the run's events with sequence greater than since, in order.
func (l *Log) Events(ctx context.Context, since int64) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, step, type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		l.runID, since,
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState, "query events: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
