// Package recording persists per-cycle controller diagnostics to SQLite so a
// drive can be inspected or plotted after the fact.
package recording

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS cycles (
		session_id TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		recorded_at TEXT NOT NULL,
		speed REAL,
		cte REAL,
		epsi REAL,
		steering REAL,
		throttle REAL,
		cost REAL,
		fit_ms REAL,
		solve_ms REAL,
		emitted INTEGER NOT NULL,
		failed_in TEXT,
		error TEXT,
		PRIMARY KEY (session_id, cycle)
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_recorded_at ON cycles (recorded_at);
`

// timeLayout is fixed width so recorded_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// Cycle is one recorded control cycle. Steering and Throttle are the emitted
// values; they are zero when Emitted is false.
type Cycle struct {
	SessionID  string
	Cycle      uint64
	RecordedAt time.Time
	Speed      float64
	CTE        float64
	EPsi       float64
	Steering   float64
	Throttle   float64
	Cost       float64
	FitTime    time.Duration
	SolveTime  time.Duration
	Emitted    bool
	FailedIn   string
	Error      string
}

// Recorder writes cycles to a SQLite database. It is safe for concurrent use.
type Recorder struct {
	db     *sql.DB
	insert *sql.Stmt
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers from concurrent sessions.
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, multierr.Append(fmt.Errorf("exec %q: %w", pragma, err), db.Close())
		}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("create schema: %w", err), db.Close())
	}
	insert, err := db.Prepare(`
		INSERT INTO cycles (session_id, cycle, recorded_at, speed, cte, epsi, steering, throttle,
			cost, fit_ms, solve_ms, emitted, failed_in, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("prepare insert: %w", err), db.Close())
	}
	return &Recorder{db: db, insert: insert}, nil
}

func (r *Recorder) Record(ctx context.Context, c Cycle) error {
	_, err := r.insert.ExecContext(ctx,
		c.SessionID,
		int64(c.Cycle),
		c.RecordedAt.UTC().Format(timeLayout),
		c.Speed,
		c.CTE,
		c.EPsi,
		c.Steering,
		c.Throttle,
		c.Cost,
		durationMS(c.FitTime),
		durationMS(c.SolveTime),
		c.Emitted,
		c.FailedIn,
		c.Error,
	)
	if err != nil {
		return fmt.Errorf("insert cycle %s/%d: %w", c.SessionID, c.Cycle, err)
	}
	return nil
}

// LoadCycles returns every cycle of a session in cycle order.
func (r *Recorder) LoadCycles(ctx context.Context, sessionID string) ([]Cycle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, cycle, recorded_at, speed, cte, epsi, steering, throttle,
			cost, fit_ms, solve_ms, emitted, failed_in, error
		FROM cycles WHERE session_id = ? ORDER BY cycle`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var (
			c              Cycle
			cycle          int64
			at             string
			fitMS, solveMS float64
		)
		if err := rows.Scan(&c.SessionID, &cycle, &at, &c.Speed, &c.CTE, &c.EPsi,
			&c.Steering, &c.Throttle, &c.Cost, &fitMS, &solveMS, &c.Emitted, &c.FailedIn, &c.Error); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.Cycle = uint64(cycle)
		if c.RecordedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", at, err)
		}
		c.FitTime = msDuration(fitMS)
		c.SolveTime = msDuration(solveMS)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Sessions lists recorded session ids, oldest first.
func (r *Recorder) Sessions(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id FROM cycles GROUP BY session_id ORDER BY MIN(recorded_at)`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *Recorder) Close() error {
	return multierr.Combine(r.insert.Close(), r.db.Close())
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
