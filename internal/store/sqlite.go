package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"optimizectl/internal/eventlog"
)

// SQLite is the on-disk Store realization (JOB_STORE=sqlite), backed by
// the pure-Go, CGo-free modernc.org/sqlite driver. Schema and migration
// style follow the teacher's Open/migrate pattern.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the database at path and runs
// migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragma: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			result_json TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			job_id TEXT NOT NULL,
			id INTEGER NOT NULL,
			envelope_json TEXT NOT NULL,
			PRIMARY KEY (job_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) SaveJob(ctx context.Context, job JobRecord) error {
	var result *string
	if len(job.Result) > 0 {
		r := string(job.Result)
		result = &r
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs(id, status, created_at, updated_at, result_json)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			updated_at=excluded.updated_at,
			result_json=excluded.result_json`,
		job.ID, job.Status, job.CreatedAt, job.UpdatedAt, result)
	if err != nil {
		return fmt.Errorf("store: save job: %w", err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, created_at, updated_at, result_json FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (JobRecord, error) {
	var job JobRecord
	var result sql.NullString
	switch err := row.Scan(&job.ID, &job.Status, &job.CreatedAt, &job.UpdatedAt, &result); err {
	case nil:
		if result.Valid {
			job.Result = json.RawMessage(result.String)
		}
		return job, nil
	case sql.ErrNoRows:
		return JobRecord{}, ErrNotFound
	default:
		return JobRecord{}, fmt.Errorf("store: get job: %w", err)
	}
}

func (s *SQLite) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, created_at, updated_at, result_json FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		var job JobRecord
		var result sql.NullString
		if err := rows.Scan(&job.ID, &job.Status, &job.CreatedAt, &job.UpdatedAt, &result); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		if result.Valid {
			job.Result = json.RawMessage(result.String)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete job events: %w", err)
	}
	return nil
}

// SaveEvent inserts env and prunes rows with id <= env.ID - bufferSize,
// the ring-buffer window named in spec.md §4.2. The highest id for a job
// is always its terminal event (if any), so this prune can never delete
// it out from under a still-connected reader.
func (s *SQLite) SaveEvent(ctx context.Context, jobID string, env eventlog.Envelope, bufferSize int) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("store: encode event: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save event: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events(job_id, id, envelope_json) VALUES(?, ?, ?)`,
		jobID, env.ID, string(body)); err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	if bufferSize > 0 {
		cutoff := env.ID - int64(bufferSize)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM events WHERE job_id = ? AND id <= ?`, jobID, cutoff); err != nil {
			return fmt.Errorf("store: prune events: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) EventsSince(ctx context.Context, jobID string, afterID int64) ([]eventlog.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_json FROM events WHERE job_id = ? AND id > ? ORDER BY id ASC`, jobID, afterID)
	if err != nil {
		return nil, fmt.Errorf("store: events since: %w", err)
	}
	defer rows.Close()
	var out []eventlog.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		var env eventlog.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveIdempotency(ctx context.Context, key, jobID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency(key, job_id, created_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET job_id=excluded.job_id, created_at=excluded.created_at`,
		key, jobID, ts)
	if err != nil {
		return fmt.Errorf("store: save idempotency: %w", err)
	}
	return nil
}

func (s *SQLite) GetIdempotent(ctx context.Context, key string, now time.Time, ttl time.Duration) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT job_id, created_at FROM idempotency WHERE key = ?`, key)
	var jobID string
	var createdAt time.Time
	switch err := row.Scan(&jobID, &createdAt); err {
	case nil:
		if ttl > 0 && now.Sub(createdAt) > ttl {
			return "", false, nil
		}
		return jobID, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("store: get idempotent: %w", err)
	}
}
