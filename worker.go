package queuectl

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// errorMessageLimit bounds the output tail recorded on a failed job.
const errorMessageLimit = 500

// Runner is a long-lived worker loop: it registers itself in the store,
// claims one job at a time, executes it through the launcher, reports the
// outcome, and heartbeats from a background timer that never blocks job
// execution.
//
// Cancelling the context passed to Run requests a graceful drain: an idle
// runner exits immediately, a busy one finishes and reports the in-flight
// job first.
type Runner struct {
	store    Store
	mgr      *Manager
	settings Settings
	launcher Launcher
	logger   zerolog.Logger
	id       string

	// ExitWhenIdle makes Run return once the queue has stayed empty for
	// MaxIdle. Used by the foreground worker run mode.
	ExitWhenIdle bool
	MaxIdle      time.Duration
}

// NewRunner creates a worker runner. An empty id generates a unique
// worker-<pid>-<suffix> token.
func NewRunner(store Store, mgr *Manager, settings Settings, launcher Launcher, logger zerolog.Logger, id string) *Runner {
	if id == "" {
		id = fmt.Sprintf("worker-%d-%s", os.Getpid(), strings.Split(uuid.NewString(), "-")[0])
	}
	if launcher == nil {
		launcher = ShellLauncher{}
	}
	return &Runner{
		store:    store,
		mgr:      mgr,
		settings: settings,
		launcher: launcher,
		logger:   logger.With().Str("worker_id", id).Logger(),
		id:       id,
		MaxIdle:  10 * time.Second,
	}
}

// ID returns the worker token.
func (r *Runner) ID() string {
	return r.id
}

// Run executes the worker loop until ctx is cancelled (graceful drain) or,
// with ExitWhenIdle, until the queue stays empty for MaxIdle.
func (r *Runner) Run(ctx context.Context) error {
	now := time.Now()
	worker := &Worker{
		ID:            r.id,
		PID:           os.Getpid(),
		Status:        WorkerStatusActive,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	if err := r.store.RegisterWorker(ctx, worker); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	r.logger.Info().Int("pid", worker.PID).Msg("worker started")

	if _, _, err := r.mgr.RecoverFromCrash(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("crash recovery failed")
	}
	lastRecovery := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	heartbeatDone := make(chan struct{})
	go r.heartbeatLoop(hbCtx, heartbeatDone)

	var idleSince time.Time
	for {
		if ctx.Err() != nil {
			break
		}

		job, err := r.mgr.Claim(ctx, r.id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// Transient store contention: back off with jitter and keep polling.
			r.logger.Warn().Err(err).Msg("claim failed")
			r.sleep(ctx, withJitter(r.settings.PollInterval()))
			continue
		}

		if job == nil {
			// A crash right after our startup recovery leaves its orphan
			// invisible until the claim goes stale; sweep again while idle.
			if time.Since(lastRecovery) >= 2*r.settings.HeartbeatInterval() {
				if _, _, err := r.mgr.RecoverFromCrash(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn().Err(err).Msg("crash recovery failed")
				}
				lastRecovery = time.Now()
			}
			if r.ExitWhenIdle {
				if idleSince.IsZero() {
					idleSince = time.Now()
				} else if time.Since(idleSince) >= r.MaxIdle && r.pendingCount(ctx) == 0 {
					r.logger.Info().Dur("idle", time.Since(idleSince)).Msg("queue idle, exiting")
					break
				}
			}
			r.sleep(ctx, r.settings.PollInterval())
			continue
		}

		idleSince = time.Time{}
		r.process(job)
	}

	// Stop heartbeating before deregistering so a late beat cannot mark the
	// row active again.
	stopHeartbeat()
	<-heartbeatDone
	r.shutdown()
	return nil
}

// process executes one claimed job and reports its outcome. Execution gets
// its full timeout even when a drain has been requested, so the timeout
// context derives from Background rather than the loop context.
func (r *Runner) process(job *Job) {
	log := r.logger.With().Str("job_id", job.ID).Int("attempt", job.Attempts).Logger()
	log.Info().Str("command", job.Command).Msg("processing job")

	result, err := r.launcher.Run(context.Background(), job.Command, r.settings.Timeout())

	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case err != nil:
		msg := truncateTail(fmt.Sprintf("failed to launch command: %v", err), errorMessageLimit)
		log.Warn().Err(err).Msg("command launch failed")
		r.report(reportCtx, job, msg)
	case result.TimedOut:
		msg := fmt.Sprintf("timeout after %d seconds", r.settings.JobTimeout)
		log.Warn().Msg(msg)
		r.report(reportCtx, job, msg)
	case result.ExitCode != 0:
		msg := fmt.Sprintf("exit code %d: %s", result.ExitCode, truncateTail(result.Output, errorMessageLimit))
		log.Warn().Int("exit_code", result.ExitCode).Msg("job failed")
		r.report(reportCtx, job, msg)
	default:
		if err := r.mgr.ReportSuccess(reportCtx, job, r.id); err != nil {
			log.Error().Err(err).Msg("failed to report success")
		}
	}
}

func (r *Runner) report(ctx context.Context, job *Job, msg string) {
	if err := r.mgr.ReportFailure(ctx, job, r.id, msg); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to report failure")
	}
}

// heartbeatLoop refreshes last_heartbeat until its context is cancelled.
func (r *Runner) heartbeatLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.settings.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.HeartbeatWorker(ctx, r.id, time.Now()); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// shutdown releases any unreported claim and marks the registration stopped.
// Runs on a fresh context: the loop context is already cancelled here.
func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if released, err := r.store.ReleaseClaims(ctx, r.id); err != nil {
		r.logger.Warn().Err(err).Msg("failed to release claims")
	} else if released > 0 {
		r.logger.Warn().Int("released", released).Msg("released unreported claims")
	}

	if err := r.store.DeregisterWorker(ctx, r.id); err != nil {
		r.logger.Warn().Err(err).Msg("failed to deregister worker")
	}
	r.logger.Info().Msg("worker stopped")
}

// pendingCount reports how many jobs rest in pending, zero on error so an
// idle exit is never blocked by a transient stats failure.
func (r *Runner) pendingCount(ctx context.Context) int {
	stats, err := r.store.JobStats(ctx)
	if err != nil {
		return 0
	}
	return stats[JobStatePending]
}

// sleep waits for d or until ctx is cancelled.
func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// withJitter spreads contention retries over an extra half interval.
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
