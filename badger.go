package queuectl

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerStore implements the Store interface using BadgerDB.
// BadgerDB holds an exclusive lock on its directory, so this store serves
// single-process deployments only (the foreground `worker run` mode); the
// multi-process worker pool requires the SQLite store.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// NewBadgerStore creates a new BadgerDB store.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Fixed delay, no jitter, so retry behavior stays deterministic in tests.
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("%w: transaction conflict after %d retries: %v", ErrStoreUnavailable, maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixJob    = "job:"
	keyPrefixReady  = "idx:ready:"
	keyPrefixWorker = "wrk:"
	keyPrefixConfig = "cfg:"
)

func jobKey(id string) []byte {
	return []byte(keyPrefixJob + id)
}

func workerKey(id string) []byte {
	return []byte(keyPrefixWorker + id)
}

func configKey(key string) []byte {
	return []byte(keyPrefixConfig + key)
}

// readyIndexKey orders claimable jobs by next_run_at, created_at, id.
// Timestamps are big-endian so a byte-wise prefix scan yields claim order.
func readyIndexKey(job *Job) []byte {
	key := make([]byte, 0, len(keyPrefixReady)+16+len(job.ID))
	key = append(key, []byte(keyPrefixReady)...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(job.NextRunAt.UnixMilli()))
	key = append(key, ts...)
	binary.BigEndian.PutUint64(ts, uint64(job.CreatedAt.UnixMilli()))
	key = append(key, ts...)
	key = append(key, []byte(job.ID)...)
	return key
}

// readyKeyRunAt extracts the next_run_at milliseconds from a ready index key.
func readyKeyRunAt(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(keyPrefixReady):]))
}

func encodeJob(job *Job) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return raw, nil
}

func decodeJob(raw []byte) (*Job, error) {
	job := &Job{}
	if err := json.Unmarshal(raw, job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// getJobTxn loads a job inside a transaction.
func getJobTxn(txn *badger.Txn, id string) (*Job, error) {
	item, err := txn.Get(jobKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read job value: %w", err)
	}
	return decodeJob(raw)
}

// setJobTxn writes a job inside a transaction.
func setJobTxn(txn *badger.Txn, job *Job) error {
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	return txn.Set(jobKey(job.ID), raw)
}

// InsertJob inserts a new job and indexes it for claiming.
func (s *BadgerStore) InsertJob(ctx context.Context, job *Job) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check job existence: %w", err)
		}

		if err := setJobTxn(txn, job); err != nil {
			return err
		}
		return txn.Set(readyIndexKey(job), []byte(job.ID))
	})
}

// GetJob retrieves a job by ID.
func (s *BadgerStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var job *Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = getJobTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// forEachJob iterates all job records in a read-only transaction.
func (s *BadgerStore) forEachJob(fn func(job *Job) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read job value: %w", err)
			}
			job, err := decodeJob(raw)
			if err != nil {
				return err
			}
			if err := fn(job); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListJobs lists jobs newest first, optionally filtered by state.
func (s *BadgerStore) ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0)
	err := s.forEachJob(func(job *Job) error {
		if state == "" || job.State == state {
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortJobsNewestFirst(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ClaimNext atomically claims the next eligible pending job for workerID.
// The ready index scan and the job mutation share one transaction; Badger's
// conflict detection plus retryUpdate make concurrent claims disjoint.
func (s *BadgerStore) ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	var claimed *Job
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		claimed = nil

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixReady)
		it := txn.NewIterator(opts)

		var indexKey []byte
		var jobID string
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if readyKeyRunAt(item.Key()) > now.UnixMilli() {
				break
			}
			id, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return fmt.Errorf("failed to read index value: %w", err)
			}
			indexKey = item.KeyCopy(nil)
			jobID = string(id)
			break
		}
		it.Close()

		if jobID == "" {
			return nil
		}

		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.State != JobStatePending {
			// Stale index entry; drop it and report no work this round.
			s.logger.Debug().Str("job_id", job.ID).Str("state", string(job.State)).
				Msg("dropping stale ready-index entry")
			return txn.Delete(indexKey)
		}

		job.State = JobStateProcessing
		job.WorkerID = workerID
		claimedAt := now
		job.ClaimedAt = &claimedAt
		job.Attempts++
		job.UpdatedAt = now

		if err := txn.Delete(indexKey); err != nil {
			return fmt.Errorf("failed to drop index entry: %w", err)
		}
		if err := setJobTxn(txn, job); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimedJobTxn returns the job iff it is processing under workerID.
func claimedJobTxn(txn *badger.Txn, id, workerID string) (*Job, error) {
	job, err := getJobTxn(txn, id)
	if err != nil {
		return nil, err
	}
	if job.State != JobStateProcessing || job.WorkerID != workerID {
		return nil, fmt.Errorf("%w: job %s is not processing for this worker", ErrInvalidState, id)
	}
	return job, nil
}

// MarkCompleted transitions processing -> completed for the claiming worker.
func (s *BadgerStore) MarkCompleted(ctx context.Context, id, workerID string) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := claimedJobTxn(txn, id, workerID)
		if err != nil {
			return err
		}

		job.State = JobStateCompleted
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.ErrorMessage = ""
		job.UpdatedAt = time.Now()
		return setJobTxn(txn, job)
	})
}

// FailAndReschedule transitions processing -> pending with a retry deadline.
func (s *BadgerStore) FailAndReschedule(ctx context.Context, id, workerID, errMsg string, nextRunAt time.Time) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := claimedJobTxn(txn, id, workerID)
		if err != nil {
			return err
		}

		job.State = JobStatePending
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.ErrorMessage = errMsg
		job.NextRunAt = nextRunAt
		job.UpdatedAt = time.Now()

		if err := setJobTxn(txn, job); err != nil {
			return err
		}
		return txn.Set(readyIndexKey(job), []byte(job.ID))
	})
}

// FailAndDLQ transitions processing -> dlq for the claiming worker.
func (s *BadgerStore) FailAndDLQ(ctx context.Context, id, workerID, errMsg string) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := claimedJobTxn(txn, id, workerID)
		if err != nil {
			return err
		}

		job.State = JobStateDLQ
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.ErrorMessage = errMsg
		job.UpdatedAt = time.Now()
		return setJobTxn(txn, job)
	})
}

// RequeueFromDLQ transitions dlq -> pending with a fresh retry budget.
func (s *BadgerStore) RequeueFromDLQ(ctx context.Context, id string, now time.Time) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, id)
		if err != nil {
			return err
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

		if err := setJobTxn(txn, job); err != nil {
			return err
		}
		return txn.Set(readyIndexKey(job), []byte(job.ID))
	})
}

// recoverJobTxn reverts one processing job to pending with the attempt refunded.
func recoverJobTxn(txn *badger.Txn, job *Job, now time.Time) error {
	job.State = JobStatePending
	if job.Attempts > 0 {
		job.Attempts--
	}
	job.WorkerID = ""
	job.ClaimedAt = nil
	job.UpdatedAt = now

	if err := setJobTxn(txn, job); err != nil {
		return err
	}
	return txn.Set(readyIndexKey(job), []byte(job.ID))
}

// collectJobsTxn gathers jobs matching the filter inside a transaction.
func collectJobsTxn(txn *badger.Txn, keep func(*Job) bool) ([]*Job, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(keyPrefixJob)
	it := txn.NewIterator(opts)
	defer it.Close()

	jobs := make([]*Job, 0)
	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read job value: %w", err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		if keep(job) {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// RecoverOrphans reverts stale processing jobs to pending.
func (s *BadgerStore) RecoverOrphans(ctx context.Context, staleBefore time.Time) (int, error) {
	recovered := 0
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		recovered = 0

		workers, err := listWorkersTxn(txn)
		if err != nil {
			return err
		}
		alive := make(map[string]bool, len(workers))
		for _, worker := range workers {
			if worker.Status == WorkerStatusActive && !worker.LastHeartbeat.Before(staleBefore) {
				alive[worker.ID] = true
			}
		}

		orphans, err := collectJobsTxn(txn, func(job *Job) bool {
			return job.State == JobStateProcessing && !alive[job.WorkerID]
		})
		if err != nil {
			return err
		}

		now := time.Now()
		for _, job := range orphans {
			if err := recoverJobTxn(txn, job, now); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

// ReleaseClaims reverts all processing jobs held by workerID to pending.
func (s *BadgerStore) ReleaseClaims(ctx context.Context, workerID string) (int, error) {
	released := 0
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		released = 0

		held, err := collectJobsTxn(txn, func(job *Job) bool {
			return job.State == JobStateProcessing && job.WorkerID == workerID
		})
		if err != nil {
			return err
		}

		now := time.Now()
		for _, job := range held {
			if err := recoverJobTxn(txn, job, now); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// PurgeCompleted deletes completed jobs older than olderThan.
func (s *BadgerStore) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	purged := 0
	cutoff := time.Now().Add(-olderThan)
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		purged = 0

		expired, err := collectJobsTxn(txn, func(job *Job) bool {
			return job.State == JobStateCompleted && job.UpdatedAt.Before(cutoff)
		})
		if err != nil {
			return err
		}

		for _, job := range expired {
			if err := txn.Delete(jobKey(job.ID)); err != nil {
				return fmt.Errorf("failed to delete job %s: %w", job.ID, err)
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// JobStats returns job counts grouped by state.
func (s *BadgerStore) JobStats(ctx context.Context) (map[JobState]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := make(map[JobState]int, len(JobStates))
	for _, state := range JobStates {
		stats[state] = 0
	}

	err := s.forEachJob(func(job *Job) error {
		stats[job.State]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func listWorkersTxn(txn *badger.Txn) ([]*Worker, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(keyPrefixWorker)
	it := txn.NewIterator(opts)
	defer it.Close()

	workers := make([]*Worker, 0)
	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read worker value: %w", err)
		}
		worker := &Worker{}
		if err := json.Unmarshal(raw, worker); err != nil {
			return nil, fmt.Errorf("failed to decode worker: %w", err)
		}
		workers = append(workers, worker)
	}
	return workers, nil
}

func setWorkerTxn(txn *badger.Txn, worker *Worker) error {
	raw, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("failed to encode worker %s: %w", worker.ID, err)
	}
	return txn.Set(workerKey(worker.ID), raw)
}

// RegisterWorker inserts or refreshes a worker registration row.
func (s *BadgerStore) RegisterWorker(ctx context.Context, worker *Worker) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		return setWorkerTxn(txn, worker)
	})
}

// HeartbeatWorker refreshes last_heartbeat for the worker.
func (s *BadgerStore) HeartbeatWorker(ctx context.Context, id string, at time.Time) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(workerKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get worker: %w", err)
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read worker value: %w", err)
		}
		worker := &Worker{}
		if err := json.Unmarshal(raw, worker); err != nil {
			return fmt.Errorf("failed to decode worker: %w", err)
		}

		worker.LastHeartbeat = at
		worker.Status = WorkerStatusActive
		return setWorkerTxn(txn, worker)
	})
}

// DeregisterWorker marks the worker stopped on graceful exit.
func (s *BadgerStore) DeregisterWorker(ctx context.Context, id string) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(workerKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get worker: %w", err)
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read worker value: %w", err)
		}
		worker := &Worker{}
		if err := json.Unmarshal(raw, worker); err != nil {
			return fmt.Errorf("failed to decode worker: %w", err)
		}

		worker.Status = WorkerStatusStopped
		return setWorkerTxn(txn, worker)
	})
}

// ListWorkers lists all registered workers oldest first.
func (s *BadgerStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var workers []*Worker
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		workers, err = listWorkersTxn(txn)
		return err
	})
	if err != nil {
		return nil, err
	}

	sortWorkersOldestFirst(workers)
	return workers, nil
}

// PruneStaleWorkers deletes worker rows whose heartbeat predates before.
func (s *BadgerStore) PruneStaleWorkers(ctx context.Context, before time.Time) (int, error) {
	pruned := 0
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		pruned = 0

		workers, err := listWorkersTxn(txn)
		if err != nil {
			return err
		}
		for _, worker := range workers {
			if worker.LastHeartbeat.Before(before) {
				if err := txn.Delete(workerKey(worker.ID)); err != nil {
					return fmt.Errorf("failed to delete worker %s: %w", worker.ID, err)
				}
				pruned++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// GetConfigValue reads a key from the config keyspace.
func (s *BadgerStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(configKey(key))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: config key %s", ErrNotFound, key)
		}
		if err != nil {
			return fmt.Errorf("failed to get config value: %w", err)
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read config value: %w", err)
		}
		value = string(raw)
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetConfigValue writes a key to the config keyspace.
func (s *BadgerStore) SetConfigValue(ctx context.Context, key, value string) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set(configKey(key), []byte(value))
	})
}

// DeleteConfigValue removes a key (or all keys when key is empty).
func (s *BadgerStore) DeleteConfigValue(ctx context.Context, key string) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if key != "" {
			return txn.Delete(configKey(key))
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixConfig)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// sortJobsNewestFirst orders jobs by created_at descending, id descending.
func sortJobsNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
}

// sortWorkersOldestFirst orders workers by started_at ascending, id ascending.
func sortWorkersOldestFirst(workers []*Worker) {
	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].StartedAt.Equal(workers[j].StartedAt) {
			return workers[i].StartedAt.Before(workers[j].StartedAt)
		}
		return workers[i].ID < workers[j].ID
	})
}
