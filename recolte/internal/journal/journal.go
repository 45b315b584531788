// Package journal persists run history and per-identifier fetch attempts
// to SQLite. It is pure observability: the coordinator logs journal
// failures and keeps harvesting, because the CSV table alone decides
// what has been done.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/recolte/dbopen"
	"github.com/hazyhaar/recolte/idgen"
)

// Run states mirrored from the coordinator.
const (
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Fetch outcome values for FetchRecord.Status.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// RunRecord is one harvest pass.
type RunRecord struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Found       int    `json:"found"`
	AlreadyDone int    `json:"already_done"`
	Attempted   int    `json:"attempted"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	StartedAt   int64  `json:"started_at"`
	FinishedAt  *int64 `json:"finished_at,omitempty"`
}

// FetchRecord is one fetch attempt within a run.
type FetchRecord struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	Identifier string `json:"identifier"`
	Status     string `json:"status"`
	HTTPStatus int    `json:"http_status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	FetchedAt  int64  `json:"fetched_at"`
}

// Journal wraps the run history database.
type Journal struct {
	DB      *sql.DB
	runID   idgen.Generator
	fetchID idgen.Generator
	now     func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithIDGenerator swaps the base ID generator (tests use deterministic ones).
func WithIDGenerator(gen idgen.Generator) Option {
	return func(j *Journal) {
		j.runID = idgen.Prefixed("run_", gen)
		j.fetchID = idgen.Prefixed("fetch_", gen)
	}
}

// WithClock swaps the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// New wraps an already-opened database. The schema must have been applied.
func New(db *sql.DB, opts ...Option) *Journal {
	j := &Journal{
		DB:      db,
		runID:   idgen.Prefixed("run_", idgen.Default),
		fetchID: idgen.Prefixed("fetch_", idgen.Default),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Open opens (or creates) the journal database at path and applies the schema.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return New(db, opts...), nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.DB.Close()
}

// StartRun inserts a new running run and returns it.
func (j *Journal) StartRun(ctx context.Context) (*RunRecord, error) {
	rec := &RunRecord{
		ID:        j.runID(),
		State:     StateRunning,
		StartedAt: j.now().UnixMilli(),
	}
	_, err := dbopen.Exec(ctx, j.DB,
		`INSERT INTO runs (id, state, started_at) VALUES (?, ?, ?)`,
		rec.ID, rec.State, rec.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("journal: start run: %w", err)
	}
	return rec, nil
}

// UpdateRunState records a state transition.
func (j *Journal) UpdateRunState(ctx context.Context, id, state string) error {
	_, err := dbopen.Exec(ctx, j.DB,
		`UPDATE runs SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("journal: update run state: %w", err)
	}
	return nil
}

// FinishRun stores the final state, counts, and error of a run.
func (j *Journal) FinishRun(ctx context.Context, rec *RunRecord) error {
	finished := j.now().UnixMilli()
	rec.FinishedAt = &finished
	_, err := dbopen.Exec(ctx, j.DB,
		`UPDATE runs SET state = ?, found = ?, already_done = ?, attempted = ?,
		 succeeded = ?, failed = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		rec.State, rec.Found, rec.AlreadyDone, rec.Attempted,
		rec.Succeeded, rec.Failed, rec.Error, finished, rec.ID)
	if err != nil {
		return fmt.Errorf("journal: finish run: %w", err)
	}
	return nil
}

// RecordFetch inserts one fetch attempt. ID and FetchedAt are filled when empty.
func (j *Journal) RecordFetch(ctx context.Context, rec *FetchRecord) error {
	if rec.ID == "" {
		rec.ID = j.fetchID()
	}
	if rec.FetchedAt == 0 {
		rec.FetchedAt = j.now().UnixMilli()
	}
	_, err := dbopen.Exec(ctx, j.DB,
		`INSERT INTO fetch_log (id, run_id, identifier, status, http_status, error, duration_ms, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.Identifier, rec.Status, rec.HTTPStatus,
		rec.Error, rec.DurationMs, rec.FetchedAt)
	if err != nil {
		return fmt.Errorf("journal: record fetch: %w", err)
	}
	return nil
}

// RunByID returns one run, or nil when it does not exist.
func (j *Journal) RunByID(ctx context.Context, id string) (*RunRecord, error) {
	row := j.DB.QueryRowContext(ctx,
		`SELECT id, state, found, already_done, attempted, succeeded, failed, error, started_at, finished_at
		 FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: run by id: %w", err)
	}
	return rec, nil
}

// RecentRuns returns runs newest first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.DB.QueryContext(ctx,
		`SELECT id, state, found, already_done, attempted, succeeded, failed, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent runs: %w", err)
	}
	defer rows.Close()

	var result []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("journal: scan run: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// RecentFailures returns failed fetch attempts newest first, optionally
// scoped to one run (empty runID means all runs).
func (j *Journal) RecentFailures(ctx context.Context, runID string, limit int) ([]*FetchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, run_id, identifier, status, http_status, error, duration_ms, fetched_at
		 FROM fetch_log WHERE status = ?`
	args := []any{StatusFailure}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY fetched_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: recent failures: %w", err)
	}
	defer rows.Close()

	var result []*FetchRecord
	for rows.Next() {
		var rec FetchRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Identifier, &rec.Status,
			&rec.HTTPStatus, &rec.Error, &rec.DurationMs, &rec.FetchedAt); err != nil {
			return nil, fmt.Errorf("journal: scan fetch: %w", err)
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func scanRun(scan func(...any) error) (*RunRecord, error) {
	var rec RunRecord
	if err := scan(&rec.ID, &rec.State, &rec.Found, &rec.AlreadyDone, &rec.Attempted,
		&rec.Succeeded, &rec.Failed, &rec.Error, &rec.StartedAt, &rec.FinishedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
