package queuectl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the Store interface using SQLite.
// It provides ACID transactions and works correctly when the same database
// file is shared by multiple OS processes: the journal runs in WAL mode and
// writers wait on the busy timeout instead of failing immediately.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// The database file will be created if it doesn't exist.
// dbPath is the path to the SQLite database file.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const schemaVersion = "1"

// initSchema initializes the database schema and runs idempotent migrations
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		worker_id TEXT,
		next_run_at INTEGER NOT NULL,
		claimed_at INTEGER,
		error_message TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		status TEXT NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		started_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, next_run_at, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_jobs_worker_id ON jobs(worker_id);
	CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
	CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers(last_heartbeat);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO NOTHING
	`, schemaVersion)
	return err
}

const jobColumns = `id, command, state, attempts, max_retries, worker_id,
	next_run_at, claimed_at, error_message, metadata, created_at, updated_at`

// scanJob scans a job row from any row-shaped source.
func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	job := &Job{}
	var workerID, errorMessage, metadata sql.NullString
	var nextRunAt, createdAt, updatedAt int64
	var claimedAt sql.NullInt64

	err := row.Scan(
		&job.ID, &job.Command, &job.State, &job.Attempts, &job.MaxRetries,
		&workerID, &nextRunAt, &claimedAt, &errorMessage, &metadata,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.NextRunAt = time.UnixMilli(nextRunAt)
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	if claimedAt.Valid {
		t := time.UnixMilli(claimedAt.Int64)
		job.ClaimedAt = &t
	}
	if workerID.Valid {
		job.WorkerID = workerID.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for job %s: %w", job.ID, err)
		}
	}

	return job, nil
}

// InsertJob inserts a new job row
func (s *SQLiteStore) InsertJob(ctx context.Context, job *Job) error {
	var metadata interface{}
	if len(job.Metadata) > 0 {
		raw, err := json.Marshal(job.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, next_run_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Command, job.State, job.Attempts, job.MaxRetries,
		job.NextRunAt.UnixMilli(), metadata, job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is a primary-key conflict.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs lists jobs newest first, optionally filtered by state
func (s *SQLiteStore) ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	var rows *sql.Rows
	var err error

	if state != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE state = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, state, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ClaimNext atomically claims the next eligible pending job for workerID.
// The selection and the mutation are a single UPDATE ... RETURNING statement,
// so concurrent callers (including other processes) always receive distinct
// jobs or nil.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	nowMs := now.UnixMilli()

	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    worker_id = ?,
		    claimed_at = ?,
		    attempts = attempts + 1,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = ? AND next_run_at <= ?
			ORDER BY next_run_at ASC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		JobStateProcessing, workerID, nowMs, nowMs, JobStatePending, nowMs)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// outcomeError resolves a zero-row outcome report into NotFound or InvalidState.
func (s *SQLiteStore) outcomeError(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is not processing for this worker", ErrInvalidState, id)
}

// MarkCompleted transitions processing -> completed for the claiming worker
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    worker_id = NULL,
		    claimed_at = NULL,
		    error_message = NULL,
		    updated_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?
	`, JobStateCompleted, time.Now().UnixMilli(), id, JobStateProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return s.outcomeError(ctx, id)
	}
	return nil
}

// FailAndReschedule transitions processing -> pending with a retry deadline.
// The transient failed state exists only inside the transaction: the first
// UPDATE records the failure, the second immediately resolves it to pending.
func (s *SQLiteStore) FailAndReschedule(ctx context.Context, id, workerID, errMsg string, nextRunAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowMs := time.Now().UnixMilli()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?
	`, JobStateFailed, errMsg, nowMs, id, JobStateProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.outcomeError(ctx, id)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    worker_id = NULL,
		    claimed_at = NULL,
		    next_run_at = ?,
		    updated_at = ?
		WHERE id = ? AND state = ?
	`, JobStatePending, nextRunAt.UnixMilli(), nowMs, id, JobStateFailed)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FailAndDLQ transitions processing -> dlq for the claiming worker
func (s *SQLiteStore) FailAndDLQ(ctx context.Context, id, workerID, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    worker_id = NULL,
		    claimed_at = NULL,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?
	`, JobStateDLQ, errMsg, time.Now().UnixMilli(), id, JobStateProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to move job to dlq: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return s.outcomeError(ctx, id)
	}
	return nil
}

// RequeueFromDLQ transitions dlq -> pending with a fresh retry budget
func (s *SQLiteStore) RequeueFromDLQ(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    attempts = 0,
		    worker_id = NULL,
		    claimed_at = NULL,
		    error_message = NULL,
		    next_run_at = ?,
		    updated_at = ?
		WHERE id = ? AND state = ?
	`, JobStatePending, now.UnixMilli(), now.UnixMilli(), id, JobStateDLQ)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is not in dlq", ErrInvalidState, id)
	}
	return nil
}

// RecoverOrphans reverts stale processing jobs to pending.
// A claim is stale when its worker row is gone, stopped, or has not
// heartbeated since staleBefore; a live worker's claim is never touched,
// however long the job runs. The interrupted attempt is refunded so
// infrastructure failures do not consume the retry budget.
func (s *SQLiteStore) RecoverOrphans(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    attempts = MAX(attempts - 1, 0),
		    worker_id = NULL,
		    claimed_at = NULL,
		    updated_at = ?
		WHERE state = ?
		  AND worker_id NOT IN (
		      SELECT id FROM workers WHERE status = ? AND last_heartbeat >= ?
		  )
	`, JobStatePending, time.Now().UnixMilli(), JobStateProcessing,
		WorkerStatusActive, staleBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphans: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered orphans: %w", err)
	}
	return int(n), nil
}

// ReleaseClaims reverts all processing jobs held by workerID to pending
func (s *SQLiteStore) ReleaseClaims(ctx context.Context, workerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    attempts = MAX(attempts - 1, 0),
		    worker_id = NULL,
		    claimed_at = NULL,
		    updated_at = ?
		WHERE state = ? AND worker_id = ?
	`, JobStatePending, time.Now().UnixMilli(), JobStateProcessing, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to release claims: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released claims: %w", err)
	}
	return int(n), nil
}

// PurgeCompleted deletes completed jobs older than olderThan
func (s *SQLiteStore) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state = ? AND updated_at < ?
	`, JobStateCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged jobs: %w", err)
	}
	return int(n), nil
}

// JobStats returns job counts grouped by state
func (s *SQLiteStore) JobStats(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM jobs GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[JobState]int, len(JobStates))
	for _, state := range JobStates {
		stats[state] = 0
	}

	for rows.Next() {
		var state JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}
		stats[state] = count
	}

	return stats, rows.Err()
}

// RegisterWorker inserts or refreshes a worker registration row
func (s *SQLiteStore) RegisterWorker(ctx context.Context, worker *Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, pid, status, last_heartbeat, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat
	`, worker.ID, worker.PID, worker.Status,
		worker.LastHeartbeat.UnixMilli(), worker.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// HeartbeatWorker refreshes last_heartbeat for the worker
func (s *SQLiteStore) HeartbeatWorker(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ?, status = ? WHERE id = ?
	`, at.UnixMilli(), WorkerStatusActive, id)
	if err != nil {
		return fmt.Errorf("failed to update worker heartbeat: %w", err)
	}
	return nil
}

// DeregisterWorker marks the worker stopped on graceful exit
func (s *SQLiteStore) DeregisterWorker(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = ? WHERE id = ?
	`, WorkerStatusStopped, id)
	if err != nil {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}
	return nil
}

// ListWorkers lists all registered workers oldest first
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pid, status, last_heartbeat, started_at
		FROM workers
		ORDER BY started_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	workers := make([]*Worker, 0)
	for rows.Next() {
		worker := &Worker{}
		var heartbeat, startedAt int64
		if err := rows.Scan(&worker.ID, &worker.PID, &worker.Status, &heartbeat, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		worker.LastHeartbeat = time.UnixMilli(heartbeat)
		worker.StartedAt = time.UnixMilli(startedAt)
		workers = append(workers, worker)
	}

	return workers, rows.Err()
}

// PruneStaleWorkers deletes worker rows whose heartbeat predates before
func (s *SQLiteStore) PruneStaleWorkers(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workers WHERE last_heartbeat < ?
	`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale workers: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned workers: %w", err)
	}
	return int(n), nil
}

// SetNextRunAtForTesting rewinds a job's next_run_at (test helper only).
// This is used in tests to make rescheduled jobs claimable without waiting
// out their backoff.
func (s *SQLiteStore) SetNextRunAtForTesting(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET next_run_at = ? WHERE id = ?
	`, at.UnixMilli(), id)
	return err
}

// GetConfigValue reads a key from the config table
func (s *SQLiteStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: config key %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config value: %w", err)
	}
	return value, nil
}

// SetConfigValue writes a key to the config table
func (s *SQLiteStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config value: %w", err)
	}
	return nil
}

// DeleteConfigValue removes a key (or all keys when key is empty)
func (s *SQLiteStore) DeleteConfigValue(ctx context.Context, key string) error {
	var err error
	if key == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM config`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	}
	if err != nil {
		return fmt.Errorf("failed to delete config value: %w", err)
	}
	return nil
}
