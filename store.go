package queuectl

import (
	"context"
	"time"
)

// Store is the interface for durable queue storage. Implementations must be
// safe for concurrent use; the SQLite implementation is additionally safe
// across OS processes sharing the same database file.
//
// Every method is a single transaction. Mutations that carry a workerID
// precondition must reject callers that do not hold the current claim with
// ErrInvalidState.
type Store interface {
	// InsertJob inserts a new job row. Returns ErrDuplicateID if the id exists.
	InsertJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by id. Returns ErrNotFound if absent.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs lists jobs, newest first, optionally filtered by state.
	// A zero state means no filter.
	ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error)

	// ClaimNext atomically claims the next eligible pending job for workerID:
	// state becomes processing, attempts is incremented, claimed_at is set.
	// Eligible jobs are ordered by next_run_at, then created_at, then id.
	// Returns (nil, nil) when no job is eligible. Two concurrent callers
	// always receive distinct jobs or nil.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error)

	// MarkCompleted transitions processing -> completed and clears the claim.
	MarkCompleted(ctx context.Context, id, workerID string) error

	// FailAndReschedule transitions processing -> pending with the given
	// next_run_at, records errMsg, and clears the claim. The transient
	// failed state is not observable outside the transaction.
	FailAndReschedule(ctx context.Context, id, workerID, errMsg string, nextRunAt time.Time) error

	// FailAndDLQ transitions processing -> dlq, records errMsg, and clears
	// the claim.
	FailAndDLQ(ctx context.Context, id, workerID, errMsg string) error

	// RequeueFromDLQ transitions dlq -> pending with attempts reset to zero,
	// the error message cleared, and next_run_at set to now.
	RequeueFromDLQ(ctx context.Context, id string, now time.Time) error

	// RecoverOrphans reverts processing jobs held by dead workers back to
	// pending, refunding the interrupted attempt. A worker is dead when its
	// registration row is gone, stopped, or has not heartbeated since
	// staleBefore. Returns the number of jobs recovered.
	RecoverOrphans(ctx context.Context, staleBefore time.Time) (int, error)

	// ReleaseClaims reverts all processing jobs held by workerID to pending,
	// refunding the attempt. Used on graceful worker shutdown when a claim
	// could not be reported.
	ReleaseClaims(ctx context.Context, workerID string) (int, error)

	// PurgeCompleted deletes completed jobs older than olderThan and returns
	// the number deleted.
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error)

	// JobStats returns job counts grouped by state.
	JobStats(ctx context.Context) (map[JobState]int, error)

	// RegisterWorker inserts or refreshes a worker registration row.
	RegisterWorker(ctx context.Context, worker *Worker) error

	// HeartbeatWorker refreshes last_heartbeat for the worker.
	HeartbeatWorker(ctx context.Context, id string, at time.Time) error

	// DeregisterWorker marks the worker stopped on graceful exit.
	DeregisterWorker(ctx context.Context, id string) error

	// ListWorkers lists all registered workers, oldest first.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// PruneStaleWorkers deletes worker rows whose heartbeat predates before.
	PruneStaleWorkers(ctx context.Context, before time.Time) (int, error)

	// GetConfigValue reads a key from the store-side config table.
	// Returns ErrNotFound if the key is absent.
	GetConfigValue(ctx context.Context, key string) (string, error)

	// SetConfigValue writes a key to the store-side config table.
	SetConfigValue(ctx context.Context, key, value string) error

	// DeleteConfigValue removes a key from the store-side config table.
	// An empty key removes all keys.
	DeleteConfigValue(ctx context.Context, key string) error

	// Close closes the store.
	Close() error
}
