// Package queuectl implements a single-node durable background job queue.
// Shell-command jobs are persisted in an embedded store (SQLite by default,
// BadgerDB as a single-process alternative) and executed by a pool of worker
// processes with at-most-once successful execution, exponential-backoff
// retries, and a dead letter queue for jobs that exhaust their retry budget.
//
// Example usage:
//
//	store, _ := queuectl.NewSQLiteStore("./queuectl.db")
//	mgr := queuectl.NewManager(store, settings, logger)
//	mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
package queuectl

import (
	"time"
)

// JobState represents the lifecycle state of a job.
type JobState string

const (
	// JobStatePending indicates the job is waiting to be claimed.
	JobStatePending JobState = "pending"
	// JobStateProcessing indicates a worker currently holds the job.
	JobStateProcessing JobState = "processing"
	// JobStateCompleted indicates the job finished successfully.
	JobStateCompleted JobState = "completed"
	// JobStateFailed is a transient state used only inside the
	// fail-and-reschedule transition; it is never observable at rest.
	JobStateFailed JobState = "failed"
	// JobStateDLQ indicates the job exhausted its retry budget and rests in
	// the dead letter queue until an operator requeues it.
	JobStateDLQ JobState = "dlq"
)

// JobStates lists every job state, including the transient failed state, in
// display order.
var JobStates = []JobState{JobStatePending, JobStateProcessing, JobStateCompleted, JobStateFailed, JobStateDLQ}

// ValidJobState reports whether s names a known job state.
func ValidJobState(s JobState) bool {
	switch s {
	case JobStatePending, JobStateProcessing, JobStateCompleted, JobStateFailed, JobStateDLQ:
		return true
	}
	return false
}

// Job represents a unit of work in the queue.
type Job struct {
	ID           string            // Client-supplied unique identifier
	Command      string            // Shell command executed verbatim
	State        JobState          // Current lifecycle state
	Attempts     int               // Number of executions started so far
	MaxRetries   int               // Per-job retry budget (>= 1)
	WorkerID     string            // Worker holding the claim ("" if unclaimed)
	NextRunAt    time.Time         // Job is claimable once this has passed
	ClaimedAt    *time.Time        // When the current claim was taken (nil if unclaimed)
	ErrorMessage string            // Reason of the last failure ("" if none)
	Metadata     map[string]string // Opaque fields carried through untouched
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorkerStatus represents the registration status of a worker process.
type WorkerStatus string

const (
	// WorkerStatusActive indicates the worker is alive and heartbeating.
	WorkerStatusActive WorkerStatus = "active"
	// WorkerStatusStopped indicates the worker exited gracefully.
	WorkerStatusStopped WorkerStatus = "stopped"
)

// Worker is the registration row for a worker process.
type Worker struct {
	ID            string       // Unique token, worker-<pid>-<suffix>
	PID           int          // OS process id
	Status        WorkerStatus // active or stopped
	LastHeartbeat time.Time
	StartedAt     time.Time
}

// Stats aggregates queue and worker counts for the status command.
type Stats struct {
	Jobs          map[JobState]int
	TotalJobs     int
	ActiveWorkers int
	TotalWorkers  int
}
