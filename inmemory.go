package queuectl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements the Store interface using in-memory maps.
// It uses a single mutex for thread-safety and is suitable for testing.
// Nothing is persisted: a process restart loses all state.
type InMemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	workers map[string]*Worker
	config  map[string]string
	closed  bool
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:    map[string]*Job{},
		workers: map[string]*Worker{},
		config:  map[string]string{"schema_version": schemaVersion},
	}
}

// Close closes the store and prevents further operations.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) ensureOpenLocked() error {
	if s.closed {
		return fmt.Errorf("%w: store is closed", ErrStoreUnavailable)
	}
	return nil
}

func copyJob(job *Job) *Job {
	dup := *job
	if job.ClaimedAt != nil {
		t := *job.ClaimedAt
		dup.ClaimedAt = &t
	}
	if job.Metadata != nil {
		dup.Metadata = make(map[string]string, len(job.Metadata))
		for k, v := range job.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

func copyWorker(worker *Worker) *Worker {
	dup := *worker
	return &dup
}

// InsertJob inserts a new job row.
func (s *InMemoryStore) InsertJob(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	}

	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by ID.
func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyJob(job), nil
}

// ListJobs lists jobs newest first, optionally filtered by state.
func (s *InMemoryStore) ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ClaimNext atomically claims the next eligible pending job for workerID.
func (s *InMemoryStore) ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	var next *Job
	for _, job := range s.jobs {
		if job.State != JobStatePending || job.NextRunAt.After(now) {
			continue
		}
		if next == nil || claimBefore(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	next.State = JobStateProcessing
	next.WorkerID = workerID
	claimedAt := now
	next.ClaimedAt = &claimedAt
	next.Attempts++
	next.UpdatedAt = now
	return copyJob(next), nil
}

// claimBefore reports whether a is claimed before b: next_run_at, then
// created_at, then id.
func claimBefore(a, b *Job) bool {
	if !a.NextRunAt.Equal(b.NextRunAt) {
		return a.NextRunAt.Before(b.NextRunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// claimedJobLocked returns the job iff it is processing under workerID.
func (s *InMemoryStore) claimedJobLocked(id, workerID string) (*Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.State != JobStateProcessing || job.WorkerID != workerID {
		return nil, fmt.Errorf("%w: job %s is not processing for this worker", ErrInvalidState, id)
	}
	return job, nil
}

// MarkCompleted transitions processing -> completed for the claiming worker.
func (s *InMemoryStore) MarkCompleted(ctx context.Context, id, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, err := s.claimedJobLocked(id, workerID)
	if err != nil {
		return err
	}

	job.State = JobStateCompleted
	job.WorkerID = ""
	job.ClaimedAt = nil
	job.ErrorMessage = ""
	job.UpdatedAt = time.Now()
	return nil
}

// FailAndReschedule transitions processing -> pending with a retry deadline.
func (s *InMemoryStore) FailAndReschedule(ctx context.Context, id, workerID, errMsg string, nextRunAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, err := s.claimedJobLocked(id, workerID)
	if err != nil {
		return err
	}

	job.State = JobStatePending
	job.WorkerID = ""
	job.ClaimedAt = nil
	job.ErrorMessage = errMsg
	job.NextRunAt = nextRunAt
	job.UpdatedAt = time.Now()
	return nil
}

// FailAndDLQ transitions processing -> dlq for the claiming worker.
func (s *InMemoryStore) FailAndDLQ(ctx context.Context, id, workerID, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, err := s.claimedJobLocked(id, workerID)
	if err != nil {
		return err
	}

	job.State = JobStateDLQ
	job.WorkerID = ""
	job.ClaimedAt = nil
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now()
	return nil
}

// RequeueFromDLQ transitions dlq -> pending with a fresh retry budget.
func (s *InMemoryStore) RequeueFromDLQ(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.State != JobStateDLQ {
		return fmt.Errorf("%w: job %s is not in dlq", ErrInvalidState, id)
	}

	job.State = JobStatePending
	job.Attempts = 0
	job.WorkerID = ""
	job.ClaimedAt = nil
	job.ErrorMessage = ""
	job.NextRunAt = now
	job.UpdatedAt = now
	return nil
}

// RecoverOrphans reverts stale processing jobs to pending.
func (s *InMemoryStore) RecoverOrphans(ctx context.Context, staleBefore time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range s.jobs {
		if job.State != JobStateProcessing {
			continue
		}
		worker, ok := s.workers[job.WorkerID]
		if ok && worker.Status == WorkerStatusActive && !worker.LastHeartbeat.Before(staleBefore) {
			continue
		}

		job.State = JobStatePending
		if job.Attempts > 0 {
			job.Attempts--
		}
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.UpdatedAt = time.Now()
		recovered++
	}
	return recovered, nil
}

// ReleaseClaims reverts all processing jobs held by workerID to pending.
func (s *InMemoryStore) ReleaseClaims(ctx context.Context, workerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	released := 0
	for _, job := range s.jobs {
		if job.State != JobStateProcessing || job.WorkerID != workerID {
			continue
		}
		job.State = JobStatePending
		if job.Attempts > 0 {
			job.Attempts--
		}
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.UpdatedAt = time.Now()
		released++
	}
	return released, nil
}

// PurgeCompleted deletes completed jobs older than olderThan.
func (s *InMemoryStore) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	purged := 0
	for id, job := range s.jobs {
		if job.State == JobStateCompleted && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			purged++
		}
	}
	return purged, nil
}

// JobStats returns job counts grouped by state.
func (s *InMemoryStore) JobStats(ctx context.Context) (map[JobState]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	stats := make(map[JobState]int, len(JobStates))
	for _, state := range JobStates {
		stats[state] = 0
	}
	for _, job := range s.jobs {
		stats[job.State]++
	}
	return stats, nil
}

// RegisterWorker inserts or refreshes a worker registration row.
func (s *InMemoryStore) RegisterWorker(ctx context.Context, worker *Worker) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	s.workers[worker.ID] = copyWorker(worker)
	return nil
}

// HeartbeatWorker refreshes last_heartbeat for the worker.
func (s *InMemoryStore) HeartbeatWorker(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	if worker, ok := s.workers[id]; ok {
		worker.LastHeartbeat = at
		worker.Status = WorkerStatusActive
	}
	return nil
}

// DeregisterWorker marks the worker stopped on graceful exit.
func (s *InMemoryStore) DeregisterWorker(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	if worker, ok := s.workers[id]; ok {
		worker.Status = WorkerStatusStopped
	}
	return nil
}

// ListWorkers lists all registered workers oldest first.
func (s *InMemoryStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	workers := make([]*Worker, 0, len(s.workers))
	for _, worker := range s.workers {
		workers = append(workers, copyWorker(worker))
	}
	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].StartedAt.Equal(workers[j].StartedAt) {
			return workers[i].StartedAt.Before(workers[j].StartedAt)
		}
		return workers[i].ID < workers[j].ID
	})
	return workers, nil
}

// PruneStaleWorkers deletes worker rows whose heartbeat predates before.
func (s *InMemoryStore) PruneStaleWorkers(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	pruned := 0
	for id, worker := range s.workers {
		if worker.LastHeartbeat.Before(before) {
			delete(s.workers, id)
			pruned++
		}
	}
	return pruned, nil
}

// SetNextRunAtForTesting rewinds a job's next_run_at (test helper only).
// This is used in tests to make rescheduled jobs claimable without waiting
// out their backoff.
func (s *InMemoryStore) SetNextRunAtForTesting(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job.NextRunAt = at
	return nil
}

// GetConfigValue reads a key from the config map.
func (s *InMemoryStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return "", err
	}

	value, ok := s.config[key]
	if !ok {
		return "", fmt.Errorf("%w: config key %s", ErrNotFound, key)
	}
	return value, nil
}

// SetConfigValue writes a key to the config map.
func (s *InMemoryStore) SetConfigValue(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	s.config[key] = value
	return nil
}

// DeleteConfigValue removes a key (or all keys when key is empty).
func (s *InMemoryStore) DeleteConfigValue(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	if key == "" {
		s.config = map[string]string{}
	} else {
		delete(s.config, key)
	}
	return nil
}
