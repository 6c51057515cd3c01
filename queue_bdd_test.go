package queuectl_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/queuectl"
)

func testSettings() queuectl.Settings {
	return queuectl.Settings{
		MaxRetries:              3,
		BackoffBase:             2,
		BackoffMaxDelay:         3600,
		WorkerPollInterval:      1,
		WorkerHeartbeatInterval: 5,
		JobTimeout:              300,
		DBPath:                  "queuectl.db",
		DBDriver:                "sqlite",
		LogLevel:                "ERROR",
	}
}

var _ = Describe("Manager", func() {
	var (
		store *queuectl.InMemoryStore
		mgr   *queuectl.Manager
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = queuectl.NewInMemoryStore()
		mgr = queuectl.NewManager(store, testSettings(), testLogger())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	Describe("Enqueue", func() {
		It("should insert a pending job claimable immediately", func() {
			job, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.JobStatePending))
			Expect(job.Attempts).To(Equal(0))
			Expect(job.NextRunAt).To(BeTemporally("<=", time.Now()))
		})

		It("should default max_retries from settings", func() {
			job, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.MaxRetries).To(Equal(3))
		})

		It("should honour a per-job max_retries override", func() {
			job, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi", MaxRetries: 7})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.MaxRetries).To(Equal(7))
		})

		It("should reject a duplicate id", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())

			_, err = mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo again"})
			Expect(err).To(MatchError(queuectl.ErrDuplicateID))
		})

		It("should reject an empty id", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{Command: "echo hi"})
			Expect(err).To(MatchError(queuectl.ErrValidation))
		})

		It("should reject an empty command", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1"})
			Expect(err).To(MatchError(queuectl.ErrValidation))
		})

		It("should reject max_retries below one", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi", MaxRetries: -1})
			Expect(err).To(MatchError(queuectl.ErrValidation))
		})

		It("should carry metadata through untouched", func() {
			meta := map[string]string{"team": "infra", "priority": "low"}
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi", Metadata: meta})
			Expect(err).NotTo(HaveOccurred())

			stored, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Metadata).To(Equal(meta))
		})
	})

	Describe("Claim", func() {
		It("should return nil when the queue is empty", func() {
			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("should bind the claim to the worker and count the attempt", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())

			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job).NotTo(BeNil())
			Expect(job.State).To(Equal(queuectl.JobStateProcessing))
			Expect(job.WorkerID).To(Equal("worker-1"))
			Expect(job.ClaimedAt).NotTo(BeNil())
			Expect(job.Attempts).To(Equal(1))
		})

		It("should claim jobs FIFO on enqueue order", func() {
			for i := 1; i <= 3; i++ {
				_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{
					ID:      fmt.Sprintf("job-%d", i),
					Command: "echo hi",
				})
				Expect(err).NotTo(HaveOccurred())
				time.Sleep(2 * time.Millisecond)
			}

			for i := 1; i <= 3; i++ {
				job, err := mgr.Claim(ctx, "worker-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.ID).To(Equal(fmt.Sprintf("job-%d", i)))
			}
		})

		It("should break next_run_at ties by id", func() {
			now := time.Now()
			for _, id := range []string{"b", "a", "c"} {
				Expect(store.InsertJob(ctx, &queuectl.Job{
					ID: id, Command: "echo hi", State: queuectl.JobStatePending,
					MaxRetries: 3, NextRunAt: now, CreatedAt: now, UpdatedAt: now,
				})).To(Succeed())
			}

			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal("a"))
		})

		It("should not claim a job before its next_run_at", func() {
			now := time.Now()
			Expect(store.InsertJob(ctx, &queuectl.Job{
				ID: "later", Command: "echo hi", State: queuectl.JobStatePending,
				MaxRetries: 3, NextRunAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
			})).To(Succeed())

			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("should hand a claimed job to only one worker", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())

			first, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(first).NotTo(BeNil())

			second, err := mgr.Claim(ctx, "worker-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeNil())
		})
	})

	Describe("ReportSuccess", func() {
		It("should complete the job and clear the claim", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())
			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(mgr.ReportSuccess(ctx, job, "worker-1")).To(Succeed())

			done, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(done.State).To(Equal(queuectl.JobStateCompleted))
			Expect(done.WorkerID).To(BeEmpty())
			Expect(done.ClaimedAt).To(BeNil())
			Expect(done.Attempts).To(Equal(1))
		})

		It("should preserve the enqueued content through the round trip", func() {
			meta := map[string]string{"origin": "suite"}
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{
				ID: "job-1", Command: "echo hi", MaxRetries: 5, Metadata: meta,
			})
			Expect(err).NotTo(HaveOccurred())

			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.ReportSuccess(ctx, job, "worker-1")).To(Succeed())

			done, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Command).To(Equal("echo hi"))
			Expect(done.MaxRetries).To(Equal(5))
			Expect(done.Metadata).To(Equal(meta))
		})

		It("should reject a report from a worker without the claim", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())
			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(mgr.ReportSuccess(ctx, job, "worker-2")).To(MatchError(queuectl.ErrInvalidState))
		})

		It("should reject a report for an unclaimed job", func() {
			job, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())

			Expect(mgr.ReportSuccess(ctx, job, "worker-1")).To(MatchError(queuectl.ErrInvalidState))
		})
	})

	Describe("ReportFailure", func() {
		It("should reschedule with exponential backoff while budget remains", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "exit 1"})
			Expect(err).NotTo(HaveOccurred())
			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			before := time.Now()
			Expect(mgr.ReportFailure(ctx, job, "worker-1", "exit code 1: boom")).To(Succeed())

			failed, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(failed.State).To(Equal(queuectl.JobStatePending))
			Expect(failed.Attempts).To(Equal(1))
			Expect(failed.ErrorMessage).To(Equal("exit code 1: boom"))
			// First failure: base^1 = 2 seconds.
			Expect(failed.NextRunAt).To(BeTemporally(">=", before.Add(2*time.Second)))
			Expect(failed.NextRunAt).To(BeTemporally("<", before.Add(4*time.Second)))
			Expect(failed.WorkerID).To(BeEmpty())
			Expect(failed.ClaimedAt).To(BeNil())
		})

		It("should grow the delay with the attempt number", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "exit 1", MaxRetries: 5})
			Expect(err).NotTo(HaveOccurred())

			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.ReportFailure(ctx, job, "worker-1", "boom")).To(Succeed())

			// Make the job eligible again without waiting out the backoff.
			requeue(ctx, store, "job-1")

			before := time.Now()
			job, err = mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Attempts).To(Equal(2))
			Expect(mgr.ReportFailure(ctx, job, "worker-1", "boom")).To(Succeed())

			failed, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			// Second failure: base^2 = 4 seconds.
			Expect(failed.NextRunAt).To(BeTemporally(">=", before.Add(4*time.Second)))
		})

		It("should cap the delay at backoff_max_delay", func() {
			settings := testSettings()
			settings.BackoffMaxDelay = 3
			capped := queuectl.NewManager(store, settings, testLogger())

			_, err := capped.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "exit 1", MaxRetries: 10})
			Expect(err).NotTo(HaveOccurred())

			// Burn attempts until the exponential part exceeds the cap.
			for i := 0; i < 3; i++ {
				job, err := capped.Claim(ctx, "worker-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job).NotTo(BeNil())
				before := time.Now()
				Expect(capped.ReportFailure(ctx, job, "worker-1", "boom")).To(Succeed())

				failed, err := store.GetJob(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(failed.NextRunAt).To(BeTemporally("<=", before.Add(3*time.Second+500*time.Millisecond)))
				requeue(ctx, store, "job-1")
			}
		})

		It("should move the job to dlq once the budget is exhausted", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "exit 1", MaxRetries: 1})
			Expect(err).NotTo(HaveOccurred())

			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.ReportFailure(ctx, job, "worker-1", "exit code 1: boom")).To(Succeed())

			dead, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(dead.State).To(Equal(queuectl.JobStateDLQ))
			Expect(dead.Attempts).To(Equal(1))
			Expect(dead.ErrorMessage).To(Equal("exit code 1: boom"))
			Expect(dead.WorkerID).To(BeEmpty())
			Expect(dead.ClaimedAt).To(BeNil())
		})

		It("should dlq on the final attempt of a multi-retry job", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "exit 1", MaxRetries: 3})
			Expect(err).NotTo(HaveOccurred())

			for attempt := 1; attempt <= 3; attempt++ {
				requeue(ctx, store, "job-1")
				job, err := mgr.Claim(ctx, "worker-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job).NotTo(BeNil())
				Expect(job.Attempts).To(Equal(attempt))
				Expect(mgr.ReportFailure(ctx, job, "worker-1", "boom")).To(Succeed())
			}

			dead, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(dead.State).To(Equal(queuectl.JobStateDLQ))
			Expect(dead.Attempts).To(Equal(3))
		})
	})

	Describe("RetryDLQ", func() {
		deadLetter := func(id string) {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: id, Command: "exit 1", MaxRetries: 1})
			Expect(err).NotTo(HaveOccurred())
			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.ReportFailure(ctx, job, "worker-1", "boom")).To(Succeed())
		}

		It("should return the job to pending with a fresh budget", func() {
			deadLetter("job-1")

			Expect(mgr.RetryDLQ(ctx, "job-1")).To(Succeed())

			job, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.JobStatePending))
			Expect(job.Attempts).To(Equal(0))
			Expect(job.ErrorMessage).To(BeEmpty())
			Expect(job.NextRunAt).To(BeTemporally("<=", time.Now()))
		})

		It("should make the job claimable immediately", func() {
			deadLetter("job-1")
			Expect(mgr.RetryDLQ(ctx, "job-1")).To(Succeed())

			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job).NotTo(BeNil())
			Expect(job.ID).To(Equal("job-1"))
		})

		It("should fail with not found for an unknown id", func() {
			Expect(mgr.RetryDLQ(ctx, "missing")).To(MatchError(queuectl.ErrNotFound))
		})

		It("should reject a job that is not in dlq", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())

			Expect(mgr.RetryDLQ(ctx, "job-1")).To(MatchError(queuectl.ErrInvalidState))
		})

		It("should reject a second retry with no intervening claim", func() {
			deadLetter("job-1")
			Expect(mgr.RetryDLQ(ctx, "job-1")).To(Succeed())

			first, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())

			Expect(mgr.RetryDLQ(ctx, "job-1")).To(MatchError(queuectl.ErrInvalidState))

			second, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.State).To(Equal(first.State))
			Expect(second.Attempts).To(Equal(first.Attempts))
		})
	})

	Describe("RecoverFromCrash", func() {
		It("should revert a stale claim and refund the attempt", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "sleep 10"})
			Expect(err).NotTo(HaveOccurred())
			job, err := mgr.Claim(ctx, "worker-dead")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Attempts).To(Equal(1))

			// The dead worker never registered, so its claim is orphaned.
			recovered, _, err := mgr.RecoverFromCrash(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(recovered).To(Equal(1))

			back, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(back.State).To(Equal(queuectl.JobStatePending))
			Expect(back.Attempts).To(Equal(0))
			Expect(back.WorkerID).To(BeEmpty())
		})

		It("should leave a freshly heartbeating worker's claim alone", func() {
			now := time.Now()
			Expect(store.RegisterWorker(ctx, &queuectl.Worker{
				ID: "worker-1", PID: 1234, Status: queuectl.WorkerStatusActive,
				LastHeartbeat: now, StartedAt: now,
			})).To(Succeed())

			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "sleep 10"})
			Expect(err).NotTo(HaveOccurred())
			_, err = mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())

			recovered, _, err := mgr.RecoverFromCrash(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(recovered).To(Equal(0))

			held, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(held.State).To(Equal(queuectl.JobStateProcessing))
		})

		It("should prune workers with stale heartbeats", func() {
			stale := time.Now().Add(-time.Hour)
			Expect(store.RegisterWorker(ctx, &queuectl.Worker{
				ID: "worker-old", PID: 99, Status: queuectl.WorkerStatusActive,
				LastHeartbeat: stale, StartedAt: stale,
			})).To(Succeed())

			_, pruned, err := mgr.RecoverFromCrash(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(Equal(1))

			workers, err := store.ListWorkers(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(workers).To(BeEmpty())
		})
	})

	Describe("Status", func() {
		It("should aggregate job and worker counts", func() {
			for i := 1; i <= 3; i++ {
				_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{
					ID: fmt.Sprintf("job-%d", i), Command: "echo hi",
				})
				Expect(err).NotTo(HaveOccurred())
			}
			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.ReportSuccess(ctx, job, "worker-1")).To(Succeed())

			now := time.Now()
			Expect(store.RegisterWorker(ctx, &queuectl.Worker{
				ID: "worker-1", PID: 1, Status: queuectl.WorkerStatusActive,
				LastHeartbeat: now, StartedAt: now,
			})).To(Succeed())
			Expect(store.RegisterWorker(ctx, &queuectl.Worker{
				ID: "worker-2", PID: 2, Status: queuectl.WorkerStatusStopped,
				LastHeartbeat: now, StartedAt: now,
			})).To(Succeed())

			stats, err := mgr.Status(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Jobs[queuectl.JobStatePending]).To(Equal(2))
			Expect(stats.Jobs[queuectl.JobStateCompleted]).To(Equal(1))
			Expect(stats.TotalJobs).To(Equal(3))
			Expect(stats.ActiveWorkers).To(Equal(1))
			Expect(stats.TotalWorkers).To(Equal(2))
		})
	})

	Describe("List", func() {
		It("should reject an unknown state filter", func() {
			_, err := mgr.List(ctx, "bogus", 10)
			Expect(err).To(MatchError(queuectl.ErrValidation))
		})

		It("should filter by state", func() {
			_, err := mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-1", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())
			_, err = mgr.Enqueue(ctx, queuectl.EnqueueRequest{ID: "job-2", Command: "echo hi"})
			Expect(err).NotTo(HaveOccurred())
			job, err := mgr.Claim(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.ReportSuccess(ctx, job, "worker-1")).To(Succeed())

			pending, err := mgr.List(ctx, queuectl.JobStatePending, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))

			completed, err := mgr.List(ctx, queuectl.JobStateCompleted, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(completed).To(HaveLen(1))
		})
	})
})

// requeue makes a rescheduled job immediately claimable again by rewinding
// its next_run_at.
func requeue(ctx context.Context, store *queuectl.InMemoryStore, id string) {
	Expect(store.SetNextRunAtForTesting(ctx, id, time.Now().Add(-time.Second))).To(Succeed())
}
