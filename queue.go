package queuectl

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Manager is the stateless orchestration layer over a Store. Every operation
// is one Store transaction plus light computation; a Manager holds no job
// state of its own and any number of them may share one store.
type Manager struct {
	store    Store
	settings Settings
	logger   zerolog.Logger
}

// NewManager creates a Manager over the given store.
func NewManager(store Store, settings Settings, logger zerolog.Logger) *Manager {
	return &Manager{store: store, settings: settings, logger: logger}
}

// EnqueueRequest carries the client-supplied fields of a new job.
// MaxRetries zero means "use the configured default".
type EnqueueRequest struct {
	ID         string
	Command    string
	MaxRetries int
	Metadata   map[string]string
}

// Enqueue validates the request and inserts the job in pending state,
// claimable immediately.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: job id must be a non-empty string", ErrValidation)
	}
	if req.Command == "" {
		return nil, fmt.Errorf("%w: job command must be a non-empty string", ErrValidation)
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = m.settings.MaxRetries
	}
	if maxRetries < 1 {
		return nil, fmt.Errorf("%w: max_retries must be >= 1", ErrValidation)
	}

	now := time.Now()
	job := &Job{
		ID:         req.ID,
		Command:    req.Command,
		State:      JobStatePending,
		Attempts:   0,
		MaxRetries: maxRetries,
		NextRunAt:  now,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}

	m.logger.Info().Str("job_id", job.ID).Int("max_retries", maxRetries).Msg("job enqueued")
	return job, nil
}

// Claim atomically claims the next eligible job for workerID.
// Returns (nil, nil) when the queue has no eligible work.
func (m *Manager) Claim(ctx context.Context, workerID string) (*Job, error) {
	job, err := m.store.ClaimNext(ctx, workerID, time.Now())
	if err != nil {
		return nil, err
	}
	if job != nil {
		m.logger.Debug().Str("job_id", job.ID).Str("worker_id", workerID).
			Int("attempt", job.Attempts).Msg("job claimed")
	}
	return job, nil
}

// ReportSuccess records a successful execution.
func (m *Manager) ReportSuccess(ctx context.Context, job *Job, workerID string) error {
	if err := m.store.MarkCompleted(ctx, job.ID, workerID); err != nil {
		return err
	}
	m.logger.Info().Str("job_id", job.ID).Str("worker_id", workerID).Msg("job completed")
	return nil
}

// ReportFailure records a failed execution. The job either reschedules with
// exponential backoff or, once the attempt that just failed exhausted the
// retry budget, moves to the dead letter queue. job.Attempts was incremented
// at claim time, so it is the just-completed attempt number.
func (m *Manager) ReportFailure(ctx context.Context, job *Job, workerID, errMsg string) error {
	if job.Attempts >= job.MaxRetries {
		if err := m.store.FailAndDLQ(ctx, job.ID, workerID, errMsg); err != nil {
			return err
		}
		m.logger.Warn().Str("job_id", job.ID).Int("attempts", job.Attempts).
			Msg("job moved to dlq")
		return nil
	}

	delay := m.settings.BackoffDelay(job.Attempts)
	nextRunAt := time.Now().Add(delay)
	if err := m.store.FailAndReschedule(ctx, job.ID, workerID, errMsg, nextRunAt); err != nil {
		return err
	}

	m.logger.Warn().Str("job_id", job.ID).Int("attempt", job.Attempts).
		Dur("retry_in", delay).Msg("job failed, retry scheduled")
	return nil
}

// RetryDLQ returns a dlq job to pending with a fresh retry budget.
// Applying it twice with no intervening claim leaves the job as the first
// call left it: the second call fails with ErrInvalidState because the job is
// no longer in dlq.
func (m *Manager) RetryDLQ(ctx context.Context, id string) error {
	if err := m.store.RequeueFromDLQ(ctx, id, time.Now()); err != nil {
		return err
	}
	m.logger.Info().Str("job_id", id).Msg("job requeued from dlq")
	return nil
}

// RecoverFromCrash reverts orphaned claims and prunes dead worker rows.
// Safe to call repeatedly; every worker invokes it at startup. The
// staleness threshold is twice the heartbeat interval.
func (m *Manager) RecoverFromCrash(ctx context.Context) (recovered, pruned int, err error) {
	staleBefore := time.Now().Add(-2 * m.settings.HeartbeatInterval())

	recovered, err = m.store.RecoverOrphans(ctx, staleBefore)
	if err != nil {
		return 0, 0, err
	}
	pruned, err = m.store.PruneStaleWorkers(ctx, staleBefore)
	if err != nil {
		return recovered, 0, err
	}

	if recovered > 0 || pruned > 0 {
		m.logger.Info().Int("jobs_recovered", recovered).Int("workers_pruned", pruned).
			Msg("crash recovery finished")
	}
	return recovered, pruned, nil
}

// List lists jobs, optionally filtered by state.
func (m *Manager) List(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	if state != "" && !ValidJobState(state) {
		return nil, fmt.Errorf("%w: invalid state %q", ErrValidation, state)
	}
	if limit <= 0 {
		limit = 100
	}
	return m.store.ListJobs(ctx, state, limit)
}

// DLQList lists jobs resting in the dead letter queue.
func (m *Manager) DLQList(ctx context.Context, limit int) ([]*Job, error) {
	return m.List(ctx, JobStateDLQ, limit)
}

// Status aggregates job counts by state and worker counts by liveness.
func (m *Manager) Status(ctx context.Context) (*Stats, error) {
	jobs, err := m.store.JobStats(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Jobs: jobs, TotalWorkers: len(workers)}
	for _, count := range jobs {
		stats.TotalJobs += count
	}
	for _, worker := range workers {
		if worker.Status == WorkerStatusActive {
			stats.ActiveWorkers++
		}
	}
	return stats, nil
}

// PurgeCompleted deletes completed jobs older than olderThan.
func (m *Manager) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	purged, err := m.store.PurgeCompleted(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		m.logger.Info().Int("purged", purged).Dur("older_than", olderThan).
			Msg("completed jobs purged")
	}
	return purged, nil
}
