package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run status constants
const (
	RunStatusRunning     = "running"
	RunStatusComplete    = "complete"
	RunStatusInterrupted = "interrupted"
	RunStatusFailed      = "failed"
)

// Run is a persisted load-test run and its final summary
type Run struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`

	Concurrency  int   `json:"concurrency"`
	MaxNewTokens int   `json:"max_new_tokens"`
	PacingMS     int64 `json:"pacing_ms"`
	Seed         int64 `json:"seed"`
	PromptCount  int   `json:"prompt_count"`

	Total          int64 `json:"total"`
	Success        int64 `json:"success"`
	HTTPError      int64 `json:"http_error"`
	Timeout        int64 `json:"timeout"`
	TransportError int64 `json:"transport_error"`
	DecodeError    int64 `json:"decode_error"`
	Tokens         int64 `json:"tokens"`
	Warnings       int64 `json:"warnings"`

	MeanMS            float64 `json:"mean_ms"`
	P50MS             float64 `json:"p50_ms"`
	P95MS             float64 `json:"p95_ms"`
	P99MS             float64 `json:"p99_ms"`
	RequestsPerSecond float64 `json:"requests_per_second"`

	AbandonedWorkers int `json:"abandoned_workers"`

	// HTTPStatuses counts non-success responses by status code
	HTTPStatuses map[int]int64 `json:"http_statuses,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration returns the wall time of a finished run
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunStore handles run persistence
type RunStore struct {
	db *DB
}

// NewRunStore creates a new run store
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Create inserts a run in the running state
func (s *RunStore) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	query := `
		INSERT INTO runs (
			id, endpoint, model, status,
			concurrency, max_new_tokens, pacing_ms, seed, prompt_count,
			started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Endpoint, run.Model, run.Status,
		run.Concurrency, run.MaxNewTokens, run.PacingMS, run.Seed, run.PromptCount,
		run.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// Finish records the summary of a run and its final status
func (s *RunStore) Finish(ctx context.Context, run *Run) error {
	if run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE runs SET
			status = ?, error = ?,
			total = ?, success = ?, http_error = ?, timeout = ?,
			transport_error = ?, decode_error = ?, tokens = ?, warnings = ?,
			mean_ms = ?, p50_ms = ?, p95_ms = ?, p99_ms = ?,
			requests_per_second = ?, abandoned_workers = ?,
			finished_at = ?
		WHERE id = ?
	`

	res, err := tx.ExecContext(ctx, query,
		run.Status, nullString(run.Error),
		run.Total, run.Success, run.HTTPError, run.Timeout,
		run.TransportError, run.DecodeError, run.Tokens, run.Warnings,
		run.MeanMS, run.P50MS, run.P95MS, run.P99MS,
		run.RequestsPerSecond, run.AbandonedWorkers,
		run.FinishedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_http_statuses WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to clear http statuses: %w", err)
	}
	for code, count := range run.HTTPStatuses {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_http_statuses (run_id, status_code, count) VALUES (?, ?, ?)`,
			run.ID, code, count,
		); err != nil {
			return fmt.Errorf("failed to record http status %d: %w", code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run summary: %w", err)
	}
	return nil
}

const runColumns = `
	id, endpoint, model, status, error,
	concurrency, max_new_tokens, pacing_ms, seed, prompt_count,
	total, success, http_error, timeout, transport_error, decode_error, tokens, warnings,
	mean_ms, p50_ms, p95_ms, p99_ms, requests_per_second,
	abandoned_workers, started_at, finished_at
`

// Get retrieves a run by ID
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := s.loadStatuses(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// RunFilter defines criteria for listing runs
type RunFilter struct {
	Model  string
	Status string
	Since  time.Time
	Limit  int
}

// List returns runs matching the filter, newest first
func (s *RunStore) List(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if filter.Model != "" {
		query += " AND model = ?"
		args = append(args, filter.Model)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if !filter.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, filter.Since)
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// Delete removes a run and its status counts
func (s *RunStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RunStore) loadStatuses(ctx context.Context, run *Run) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status_code, count FROM run_http_statuses WHERE run_id = ?`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load http statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var code int
		var count int64
		if err := rows.Scan(&code, &count); err != nil {
			return fmt.Errorf("failed to scan http status: %w", err)
		}
		if run.HTTPStatuses == nil {
			run.HTTPStatuses = make(map[int]int64)
		}
		run.HTTPStatuses[code] = count
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var errText sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.Endpoint, &run.Model, &run.Status, &errText,
		&run.Concurrency, &run.MaxNewTokens, &run.PacingMS, &run.Seed, &run.PromptCount,
		&run.Total, &run.Success, &run.HTTPError, &run.Timeout, &run.TransportError,
		&run.DecodeError, &run.Tokens, &run.Warnings,
		&run.MeanMS, &run.P50MS, &run.P95MS, &run.P99MS, &run.RequestsPerSecond,
		&run.AbandonedWorkers, &run.StartedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Error = errText.String
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
