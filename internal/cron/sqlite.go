package cron

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const jobSchema = `
CREATE TABLE IF NOT EXISTS cron_jobs (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	target           TEXT NOT NULL,
	enabled          INTEGER NOT NULL DEFAULT 1,
	delete_after_run INTEGER NOT NULL DEFAULT 0,
	schedule         TEXT NOT NULL,
	payload          TEXT NOT NULL,
	next_run         TIMESTAMP,
	last_run         TIMESTAMP,
	last_status      TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	last_duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
`

// SQLiteJobStore persists jobs in an embedded SQLite database so schedule
// state survives restarts.
type SQLiteJobStore struct {
	db *sql.DB
}

// NewSQLiteJobStore opens (or creates) the job database at path.
func NewSQLiteJobStore(path string) (*SQLiteJobStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, jobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteJobStore{db: db}, nil
}

// NewSQLiteJobStoreOn reuses an already-open database connection, letting
// the job table share a file with the session store.
func NewSQLiteJobStoreOn(db *sql.DB) (*SQLiteJobStore, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, jobSchema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteJobStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteJobStore) Put(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is required")
	}
	schedule, err := json.Marshal(job.Schedule)
	if err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (id, name, target, enabled, delete_after_run,
			schedule, payload, next_run, last_run, last_status, last_error,
			last_duration_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			target = excluded.target,
			enabled = excluded.enabled,
			delete_after_run = excluded.delete_after_run,
			schedule = excluded.schedule,
			payload = excluded.payload,
			next_run = excluded.next_run,
			last_run = excluded.last_run,
			last_status = excluded.last_status,
			last_error = excluded.last_error,
			last_duration_ms = excluded.last_duration_ms,
			updated_at = excluded.updated_at
	`, job.ID, job.Name, string(job.Target), boolToInt(job.Enabled), boolToInt(job.DeleteAfterRun),
		string(schedule), string(payload), nullTime(job.State.NextRun), nullTime(job.State.LastRun),
		string(job.State.LastStatus), job.State.LastError, job.State.LastDuration.Milliseconds(),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, target, enabled, delete_after_run, schedule, payload,
			next_run, last_run, last_status, last_error, last_duration_ms,
			created_at, updated_at
		FROM cron_jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *SQLiteJobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteJobStore) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, target, enabled, delete_after_run, schedule, payload,
			next_run, last_run, last_status, last_error, last_duration_ms,
			created_at, updated_at
		FROM cron_jobs ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		target      string
		enabled     int
		deleteAfter int
		schedule    string
		payload     string
		nextRun     sql.NullTime
		lastRun     sql.NullTime
		status      string
		durationMs  int64
	)
	err := row.Scan(&job.ID, &job.Name, &target, &enabled, &deleteAfter,
		&schedule, &payload, &nextRun, &lastRun, &status, &job.State.LastError,
		&durationMs, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Target = SessionTarget(target)
	job.Enabled = enabled != 0
	job.DeleteAfterRun = deleteAfter != 0
	if err := json.Unmarshal([]byte(schedule), &job.Schedule); err != nil {
		return nil, fmt.Errorf("failed to decode schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if nextRun.Valid {
		job.State.NextRun = nextRun.Time
	}
	if lastRun.Valid {
		job.State.LastRun = lastRun.Time
	}
	job.State.LastStatus = RunStatus(status)
	job.State.LastDuration = time.Duration(durationMs) * time.Millisecond
	return &job, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
