// Package pulse stores cron schedule definitions and their runs in
// SQLite, shared by the scheduler (which creates schedules and runs) and
// the receiver (which updates a run's lifecycle as its dispatched
// message streams back through Relay). Grounded on internal/index and
// internal/trace's SQLite-backed-store convention (spec §4.15, §4.13).
package pulse

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS schedules (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	prompt          TEXT NOT NULL,
	cron            TEXT NOT NULL,
	timezone        TEXT NOT NULL DEFAULT 'UTC',
	cwd             TEXT,
	enabled         INTEGER NOT NULL DEFAULT 1,
	max_runtime_ms  INTEGER,
	permission_mode TEXT NOT NULL DEFAULT 'ask',
	status          TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	schedule_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	trigger      TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	started_at   INTEGER,
	finished_at  INTEGER,
	output       TEXT,
	error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_schedule_id ON runs(schedule_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// Schedule status values (spec §4.15).
const (
	ScheduleActive          = "active"
	SchedulePaused          = "paused"
	SchedulePendingApproval = "pending_approval"
)

// Run status values.
const (
	RunScheduled = "scheduled"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Schedule is one cron schedule definition (spec §4.15).
type Schedule struct {
	ID             string
	Name           string
	Prompt         string
	Cron           string
	Timezone       string
	Cwd            sql.NullString
	Enabled        bool
	MaxRuntimeMs   sql.NullInt64
	PermissionMode string
	Status         string
}

// Run is one dispatch of a Schedule.
type Run struct {
	ID         string
	ScheduleID string
	Status     string
	Trigger    string
	CreatedAt  int64
	StartedAt  sql.NullInt64
	FinishedAt sql.NullInt64
	Output     sql.NullString
	Error      sql.NullString
}

// RunUpdate holds the columns UpdateRun should set; nil fields are left
// untouched.
type RunUpdate struct {
	Status     *string
	StartedAt  *int64
	FinishedAt *int64
	Output     *string
	Error      *string
}

// Store wraps the SQLite-backed schedules/runs tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// the same durability pragmas as internal/index, and runs forward-only
// migrations gated on PRAGMA user_version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pulse: failed to open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pulse: failed to set pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("pulse: failed to read user_version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	if _, err := s.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("pulse: failed to create schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("pulse: failed to bump user_version: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSchedule inserts or replaces sched.
func (s *Store) UpsertSchedule(sched Schedule) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO schedules
		 (id, name, prompt, cron, timezone, cwd, enabled, max_runtime_ms, permission_mode, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Prompt, sched.Cron, sched.Timezone, sched.Cwd,
		sched.Enabled, sched.MaxRuntimeMs, sched.PermissionMode, sched.Status,
	)
	if err != nil {
		return fmt.Errorf("pulse: upsertSchedule %s failed: %w", sched.ID, err)
	}
	return nil
}

// GetSchedule re-reads one schedule by id (spec §4.15 step 3 "re-read the
// schedule" before dispatch).
func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(
		`SELECT id, name, prompt, cron, timezone, cwd, enabled, max_runtime_ms, permission_mode, status
		 FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

// ListSchedules returns every schedule.
func (s *Store) ListSchedules() ([]Schedule, error) {
	rows, err := s.db.Query(
		`SELECT id, name, prompt, cron, timezone, cwd, enabled, max_runtime_ms, permission_mode, status
		 FROM schedules`)
	if err != nil {
		return nil, fmt.Errorf("pulse: listSchedules failed: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var enabled int
	err := row.Scan(&sched.ID, &sched.Name, &sched.Prompt, &sched.Cron, &sched.Timezone,
		&sched.Cwd, &enabled, &sched.MaxRuntimeMs, &sched.PermissionMode, &sched.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pulse: scanSchedule failed: %w", err)
	}
	sched.Enabled = enabled != 0
	return &sched, nil
}

// CreateRun opens a new run record (spec §4.15 step 4 "createRun").
func (s *Store) CreateRun(run Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, schedule_id, status, trigger, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, run.Status, run.Trigger, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pulse: createRun %s failed: %w", run.ID, err)
	}
	return nil
}

// UpdateRun applies u's non-nil fields to run id.
func (s *Store) UpdateRun(id string, u RunUpdate) error {
	sets := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *u.StartedAt)
	}
	if u.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *u.FinishedAt)
	}
	if u.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *u.Output)
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE runs SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("pulse: updateRun %s failed: %w", id, err)
	}
	return nil
}

// GetRun reads back one run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, schedule_id, status, trigger, created_at, started_at, finished_at, output, error
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.ScheduleID, &run.Status, &run.Trigger, &run.CreatedAt,
		&run.StartedAt, &run.FinishedAt, &run.Output, &run.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pulse: scanRun failed: %w", err)
	}
	return &run, nil
}

// CountActiveRuns returns how many runs across all schedules are
// currently scheduled or running (spec §4.15 step 1, global concurrency
// ceiling).
func (s *Store) CountActiveRuns() (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE status IN (?, ?)`, RunScheduled, RunRunning,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pulse: countActiveRuns failed: %w", err)
	}
	return count, nil
}

// HasActiveRun reports whether scheduleID has a run still scheduled or
// running (spec §4.15 step 2, overlap protection).
func (s *Store) HasActiveRun(scheduleID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE schedule_id = ? AND status IN (?, ?)`,
		scheduleID, RunScheduled, RunRunning,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("pulse: hasActiveRun %s failed: %w", scheduleID, err)
	}
	return count > 0, nil
}

// RecoverStaleRuns marks every run still in 'running' status as failed
// with the given reason (spec §4.15 "Startup recovery"), returning how
// many rows were affected.
func (s *Store) RecoverStaleRuns(reason string) (int, error) {
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ? WHERE status = ?`,
		RunFailed, reason, RunRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("pulse: recoverStaleRuns failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pulse: recoverStaleRuns rowsAffected failed: %w", err)
	}
	return int(affected), nil
}

// PruneRuns deletes all but the keepN most recent runs for scheduleID
// (spec §4.15 "retention pruning").
func (s *Store) PruneRuns(scheduleID string, keepN int) error {
	_, err := s.db.Exec(
		`DELETE FROM runs WHERE schedule_id = ? AND id NOT IN (
			SELECT id FROM runs WHERE schedule_id = ? ORDER BY created_at DESC LIMIT ?
		)`, scheduleID, scheduleID, keepN,
	)
	if err != nil {
		return fmt.Errorf("pulse: pruneRuns %s failed: %w", scheduleID, err)
	}
	return nil
}
