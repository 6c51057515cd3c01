package queuectl_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/queuectl"
)

// storeFactory opens a fresh store rooted in dir.
type storeFactory struct {
	name string
	open func(dir string) queuectl.Store
}

var storeFactories = []storeFactory{
	{
		name: "InMemoryStore",
		open: func(dir string) queuectl.Store {
			return queuectl.NewInMemoryStore()
		},
	},
	{
		name: "SQLiteStore",
		open: func(dir string) queuectl.Store {
			store, err := queuectl.NewSQLiteStore(filepath.Join(dir, "store.db"))
			Expect(err).NotTo(HaveOccurred())
			return store
		},
	},
	{
		name: "BadgerStore",
		open: func(dir string) queuectl.Store {
			store, err := queuectl.NewBadgerStore(filepath.Join(dir, "badger"), testLogger())
			Expect(err).NotTo(HaveOccurred())
			return store
		},
	},
}

// pendingJob builds a minimal claimable job.
func pendingJob(id string, createdAt time.Time) *queuectl.Job {
	return &queuectl.Job{
		ID:         id,
		Command:    "echo hi",
		State:      queuectl.JobStatePending,
		MaxRetries: 3,
		NextRunAt:  createdAt,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

var _ = Describe("Store implementations", func() {
	for _, factory := range storeFactories {
		factory := factory

		Context(factory.name, func() {
			var (
				store queuectl.Store
				ctx   context.Context
			)

			BeforeEach(func() {
				ctx = context.Background()
				store = factory.open(GinkgoT().TempDir())
			})

			AfterEach(func() {
				Expect(store.Close()).To(Succeed())
			})

			It("should reject duplicate job ids", func() {
				now := time.Now()
				Expect(store.InsertJob(ctx, pendingJob("job-1", now))).To(Succeed())
				Expect(store.InsertJob(ctx, pendingJob("job-1", now))).To(MatchError(queuectl.ErrDuplicateID))
			})

			It("should return not found for an absent job", func() {
				_, err := store.GetJob(ctx, "missing")
				Expect(err).To(MatchError(queuectl.ErrNotFound))
			})

			It("should round-trip every job field", func() {
				now := time.Now().Truncate(time.Millisecond)
				job := pendingJob("job-1", now)
				job.Metadata = map[string]string{"k": "v"}
				Expect(store.InsertJob(ctx, job)).To(Succeed())

				got, err := store.GetJob(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(got.ID).To(Equal("job-1"))
				Expect(got.Command).To(Equal("echo hi"))
				Expect(got.State).To(Equal(queuectl.JobStatePending))
				Expect(got.MaxRetries).To(Equal(3))
				Expect(got.Metadata).To(Equal(map[string]string{"k": "v"}))
				Expect(got.NextRunAt.UnixMilli()).To(Equal(now.UnixMilli()))
				Expect(got.CreatedAt.UnixMilli()).To(Equal(now.UnixMilli()))
			})

			It("should claim in next_run_at order", func() {
				now := time.Now()
				early := pendingJob("early", now.Add(-2*time.Minute))
				late := pendingJob("late", now.Add(-time.Minute))
				late.NextRunAt = now.Add(-time.Second)
				early.NextRunAt = now.Add(-2 * time.Second)
				Expect(store.InsertJob(ctx, late)).To(Succeed())
				Expect(store.InsertJob(ctx, early)).To(Succeed())

				first, err := store.ClaimNext(ctx, "worker-1", now)
				Expect(err).NotTo(HaveOccurred())
				Expect(first.ID).To(Equal("early"))

				second, err := store.ClaimNext(ctx, "worker-1", now)
				Expect(err).NotTo(HaveOccurred())
				Expect(second.ID).To(Equal("late"))
			})

			It("should not claim jobs scheduled in the future", func() {
				now := time.Now()
				job := pendingJob("job-1", now)
				job.NextRunAt = now.Add(time.Hour)
				Expect(store.InsertJob(ctx, job)).To(Succeed())

				claimed, err := store.ClaimNext(ctx, "worker-1", now)
				Expect(err).NotTo(HaveOccurred())
				Expect(claimed).To(BeNil())
			})

			It("should give concurrent claimers disjoint jobs", func() {
				now := time.Now()
				const jobCount = 5
				for i := 0; i < jobCount; i++ {
					Expect(store.InsertJob(ctx, pendingJob(fmt.Sprintf("job-%d", i), now.Add(-time.Duration(jobCount-i)*time.Millisecond)))).To(Succeed())
				}

				const claimers = 10
				var mu sync.Mutex
				var wg sync.WaitGroup
				claimed := make(map[string]string)

				for i := 0; i < claimers; i++ {
					wg.Add(1)
					go func(worker int) {
						defer wg.Done()
						defer GinkgoRecover()
						job, err := store.ClaimNext(ctx, fmt.Sprintf("worker-%d", worker), time.Now())
						Expect(err).NotTo(HaveOccurred())
						if job == nil {
							return
						}
						mu.Lock()
						defer mu.Unlock()
						_, seen := claimed[job.ID]
						Expect(seen).To(BeFalse(), "job %s claimed twice", job.ID)
						claimed[job.ID] = job.WorkerID
					}(i)
				}
				wg.Wait()

				Expect(claimed).To(HaveLen(jobCount))
			})

			It("should reject outcome reports from the wrong worker", func() {
				now := time.Now()
				Expect(store.InsertJob(ctx, pendingJob("job-1", now))).To(Succeed())
				_, err := store.ClaimNext(ctx, "worker-1", now)
				Expect(err).NotTo(HaveOccurred())

				Expect(store.MarkCompleted(ctx, "job-1", "worker-2")).To(MatchError(queuectl.ErrInvalidState))
				Expect(store.FailAndDLQ(ctx, "job-1", "worker-2", "boom")).To(MatchError(queuectl.ErrInvalidState))
				Expect(store.FailAndReschedule(ctx, "job-1", "worker-2", "boom", now)).To(MatchError(queuectl.ErrInvalidState))
			})

			It("should never leave the transient failed state at rest", func() {
				now := time.Now()
				Expect(store.InsertJob(ctx, pendingJob("job-1", now))).To(Succeed())
				_, err := store.ClaimNext(ctx, "worker-1", now)
				Expect(err).NotTo(HaveOccurred())

				Expect(store.FailAndReschedule(ctx, "job-1", "worker-1", "boom", now.Add(2*time.Second))).To(Succeed())

				job, err := store.GetJob(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.State).To(Equal(queuectl.JobStatePending))
				Expect(job.ErrorMessage).To(Equal("boom"))
				Expect(job.NextRunAt.UnixMilli()).To(Equal(now.Add(2 * time.Second).UnixMilli()))
			})

			It("should recover orphans with the attempt refunded", func() {
				now := time.Now()
				Expect(store.InsertJob(ctx, pendingJob("job-1", now))).To(Succeed())
				claimed, err := store.ClaimNext(ctx, "worker-ghost", now)
				Expect(err).NotTo(HaveOccurred())
				Expect(claimed.Attempts).To(Equal(1))

				recovered, err := store.RecoverOrphans(ctx, now.Add(time.Minute))
				Expect(err).NotTo(HaveOccurred())
				Expect(recovered).To(Equal(1))

				job, err := store.GetJob(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.State).To(Equal(queuectl.JobStatePending))
				Expect(job.Attempts).To(Equal(0))
				Expect(job.WorkerID).To(BeEmpty())
				Expect(job.ClaimedAt).To(BeNil())
			})

			It("should leave claims of live workers untouched during recovery", func() {
				now := time.Now()
				Expect(store.RegisterWorker(ctx, &queuectl.Worker{
					ID: "worker-live", PID: 1, Status: queuectl.WorkerStatusActive,
					LastHeartbeat: now, StartedAt: now,
				})).To(Succeed())
				Expect(store.InsertJob(ctx, pendingJob("job-1", now))).To(Succeed())
				_, err := store.ClaimNext(ctx, "worker-live", now)
				Expect(err).NotTo(HaveOccurred())

				recovered, err := store.RecoverOrphans(ctx, now.Add(-time.Minute))
				Expect(err).NotTo(HaveOccurred())
				Expect(recovered).To(Equal(0))
			})

			It("should release a worker's claims on demand", func() {
				now := time.Now()
				Expect(store.InsertJob(ctx, pendingJob("job-1", now))).To(Succeed())
				_, err := store.ClaimNext(ctx, "worker-1", now)
				Expect(err).NotTo(HaveOccurred())

				released, err := store.ReleaseClaims(ctx, "worker-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(released).To(Equal(1))

				job, err := store.GetJob(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(job.State).To(Equal(queuectl.JobStatePending))
				Expect(job.Attempts).To(Equal(0))
			})

			It("should track the worker lifecycle", func() {
				now := time.Now()
				Expect(store.RegisterWorker(ctx, &queuectl.Worker{
					ID: "worker-1", PID: 42, Status: queuectl.WorkerStatusActive,
					LastHeartbeat: now, StartedAt: now,
				})).To(Succeed())

				later := now.Add(5 * time.Second)
				Expect(store.HeartbeatWorker(ctx, "worker-1", later)).To(Succeed())

				workers, err := store.ListWorkers(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(workers).To(HaveLen(1))
				Expect(workers[0].LastHeartbeat.UnixMilli()).To(Equal(later.UnixMilli()))

				Expect(store.DeregisterWorker(ctx, "worker-1")).To(Succeed())
				workers, err = store.ListWorkers(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(workers[0].Status).To(Equal(queuectl.WorkerStatusStopped))

				pruned, err := store.PruneStaleWorkers(ctx, later.Add(time.Second))
				Expect(err).NotTo(HaveOccurred())
				Expect(pruned).To(Equal(1))
			})

			It("should purge only old completed jobs", func() {
				now := time.Now()
				Expect(store.InsertJob(ctx, pendingJob("done", now))).To(Succeed())
				Expect(store.InsertJob(ctx, pendingJob("waiting", now))).To(Succeed())

				claimed, err := store.ClaimNext(ctx, "worker-1", now)
				Expect(err).NotTo(HaveOccurred())
				Expect(store.MarkCompleted(ctx, claimed.ID, "worker-1")).To(Succeed())

				purged, err := store.PurgeCompleted(ctx, time.Hour)
				Expect(err).NotTo(HaveOccurred())
				Expect(purged).To(Equal(0))

				purged, err = store.PurgeCompleted(ctx, -time.Second)
				Expect(err).NotTo(HaveOccurred())
				Expect(purged).To(Equal(1))

				stats, err := store.JobStats(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(stats[queuectl.JobStatePending]).To(Equal(1))
				Expect(stats[queuectl.JobStateCompleted]).To(Equal(0))
			})

			It("should store and delete config values", func() {
				Expect(store.SetConfigValue(ctx, "sample", "value")).To(Succeed())

				got, err := store.GetConfigValue(ctx, "sample")
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal("value"))

				Expect(store.DeleteConfigValue(ctx, "sample")).To(Succeed())
				_, err = store.GetConfigValue(ctx, "sample")
				Expect(err).To(MatchError(queuectl.ErrNotFound))
			})
		})
	}
})
