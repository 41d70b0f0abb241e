// Package journal persists training sessions, per-step losses and notable
// events to SQLite so past runs can be inspected after the process exits.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rafaelvaloto/Neura-Rig/internal/telemetry"
)

var ErrClosed = errors.New("journal: closed")

// Session is one process run against a rig profile
type Session struct {
	ID            string
	InstanceID    string
	Profile       string
	Backend       string
	StartMode     string
	StartedAt     time.Time
	EndedAt       time.Time // zero while running
	Steps         uint64
	ConvergedStep uint64 // 0 when the run never converged
	FinalLoss     float64
}

// Step is a persisted optimizer step
type Step struct {
	Session        string
	Step           uint64
	Time           time.Time
	Records        int
	Loss           float64
	Position       float64
	Regularization float64
	Mode           string
}

// Journal is a SQLite-backed training history
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open opens (creating if needed) the journal at path
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			profile TEXT NOT NULL,
			backend TEXT NOT NULL,
			start_mode TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			steps INTEGER DEFAULT 0,
			converged_step INTEGER DEFAULT 0,
			final_loss REAL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			records INTEGER NOT NULL,
			loss REAL NOT NULL,
			position REAL NOT NULL,
			regularization REAL NOT NULL,
			mode TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			type TEXT NOT NULL,
			mode TEXT,
			detail TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id, step);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// BeginSession records the start of a run
func (j *Journal) BeginSession(ctx context.Context, s Session) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	return j.exec(ctx, `
		INSERT INTO sessions (session_id, instance_id, profile, backend, start_mode, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.InstanceID, s.Profile, s.Backend, s.StartMode, s.StartedAt.UnixMilli())
}

// EndSession stamps the end of a run with its final counters
func (j *Journal) EndSession(ctx context.Context, id string, steps uint64, finalLoss float64) error {
	return j.exec(ctx, `
		UPDATE sessions SET ended_at = ?, steps = ?, final_loss = ? WHERE session_id = ?`,
		time.Now().UnixMilli(), int64(steps), finalLoss, id)
}

// Record persists one telemetry event. Train steps go to the steps table,
// convergence additionally marks the session, everything else but pings
// lands in events.
func (j *Journal) Record(ctx context.Context, ev telemetry.Event) error {
	switch ev.Type {
	case telemetry.EventPing:
		return nil

	case telemetry.EventTrainStep:
		return j.insertStep(ctx, ev)

	case telemetry.EventConverged:
		if err := j.insertStep(ctx, ev); err != nil {
			return err
		}
		if err := j.exec(ctx, `
			UPDATE sessions SET converged_step = ?, final_loss = ? WHERE session_id = ?`,
			int64(ev.Step), ev.Loss, ev.Session); err != nil {
			return err
		}
	}

	return j.exec(ctx, `
		INSERT INTO events (session_id, seq, timestamp, type, mode, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Session, int64(ev.Seq), ev.Time.UnixMilli(), string(ev.Type), ev.Mode, ev.Detail)
}

func (j *Journal) insertStep(ctx context.Context, ev telemetry.Event) error {
	return j.exec(ctx, `
		INSERT INTO steps (session_id, step, timestamp, records, loss, position, regularization, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Session, int64(ev.Step), ev.Time.UnixMilli(), ev.Records,
		ev.Loss, ev.Position, ev.Regularization, ev.Mode)
}

// Run writes events until ctx is cancelled, then drains what is already
// queued. The caller owns the subscription feeding events.
func (j *Journal) Run(ctx context.Context, events <-chan telemetry.Event) {
	write := func(ev telemetry.Event) {
		// The run context may already be cancelled while draining
		if err := j.Record(context.Background(), ev); err != nil {
			slog.Warn("journal write failed", "type", ev.Type, "seq", ev.Seq, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-events:
					write(ev)
				default:
					return
				}
			}
		case ev := <-events:
			write(ev)
		}
	}
}

// RecentSteps returns the latest steps across sessions, newest first
func (j *Journal) RecentSteps(ctx context.Context, limit int) ([]Step, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, step, timestamp, records, loss, position, regularization, mode
		FROM steps ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var (
			s    Step
			step int64
			ts   int64
		)
		if err := rows.Scan(&s.Session, &step, &ts, &s.Records, &s.Loss, &s.Position, &s.Regularization, &s.Mode); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		s.Step = uint64(step)
		s.Time = time.UnixMilli(ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Sessions returns every recorded session, newest first
func (j *Journal) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, instance_id, profile, backend, start_mode, started_at,
		       ended_at, steps, converged_step, final_loss
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s                    Session
			started              int64
			ended                sql.NullInt64
			steps, convergedStep int64
		)
		if err := rows.Scan(&s.ID, &s.InstanceID, &s.Profile, &s.Backend, &s.StartMode,
			&started, &ended, &steps, &convergedStep, &s.FinalLoss); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			s.EndedAt = time.UnixMilli(ended.Int64)
		}
		s.Steps = uint64(steps)
		s.ConvergedStep = uint64(convergedStep)
		out = append(out, s)
	}
	return out, rows.Err()
}

// EventCount returns how many events of type t a session recorded
func (j *Journal) EventCount(ctx context.Context, session string, t telemetry.EventType) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ? AND type = ?`, session, string(t)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Close closes the database
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func (j *Journal) exec(ctx context.Context, query string, args ...interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if _, err := j.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}
