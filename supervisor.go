package queuectl

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// DefaultPIDPath is the sidecar file recording the PIDs of detached workers.
// The sidecar is advisory: it only lets a later `worker stop` find the
// processes. The store's workers table is authoritative.
const DefaultPIDPath = "workers.pid"

// stopGracePeriod bounds how long Stop waits for workers to drain before
// escalating to a hard kill.
const stopGracePeriod = 10 * time.Second

// Supervisor spawns and terminates the detached worker pool.
type Supervisor struct {
	configPath string
	pidPath    string
	logger     zerolog.Logger
}

// NewSupervisor creates a supervisor. configPath is forwarded to spawned
// workers so the pool shares one settings file.
func NewSupervisor(configPath, pidPath string, logger zerolog.Logger) *Supervisor {
	if pidPath == "" {
		pidPath = DefaultPIDPath
	}
	return &Supervisor{configPath: configPath, pidPath: pidPath, logger: logger}
}

// Start spawns count detached worker processes and records their PIDs in
// the sidecar, overwriting any previous content. Returns the PIDs.
func (s *Supervisor) Start(ctx context.Context, count int) ([]int, error) {
	if count < 1 || count > 100 {
		return nil, fmt.Errorf("%w: worker count must be between 1 and 100", ErrValidation)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	pids := make([]int, 0, count)
	for i := 0; i < count; i++ {
		args := []string{"worker", "run"}
		if s.configPath != "" {
			args = append(args, "--config", s.configPath)
		}

		cmd := exec.Command(exe, args...)
		cmd.Stdout = devnull
		cmd.Stderr = devnull
		cmd.SysProcAttr = detachedProcAttr()

		if err := cmd.Start(); err != nil {
			return pids, fmt.Errorf("failed to spawn worker %d: %w", i+1, err)
		}
		pid := cmd.Process.Pid
		if err := cmd.Process.Release(); err != nil {
			s.logger.Warn().Err(err).Int("pid", pid).Msg("failed to release worker process")
		}

		pids = append(pids, pid)
		s.logger.Info().Int("pid", pid).Msg("worker spawned")
	}

	if err := s.writePIDs(pids); err != nil {
		return pids, err
	}
	return pids, nil
}

// Stop reads the sidecar, signals each worker to drain, waits a bounded
// time, hard-kills stragglers, and deletes the sidecar. Returns the number
// of workers that were still running when Stop began.
func (s *Supervisor) Stop(ctx context.Context) (int, error) {
	pids, err := s.readPIDs()
	if err != nil {
		return 0, err
	}
	if len(pids) == 0 {
		return 0, s.clearPIDs()
	}

	running := make([]int, 0, len(pids))
	for _, pid := range pids {
		if !processAlive(pid) {
			continue
		}
		running = append(running, pid)
		if err := signalProcess(pid, syscall.SIGTERM); err != nil {
			s.logger.Warn().Err(err).Int("pid", pid).Msg("failed to signal worker")
		}
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) && anyAlive(running) {
		select {
		case <-ctx.Done():
			return len(running), ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	for _, pid := range running {
		if processAlive(pid) {
			s.logger.Warn().Int("pid", pid).Msg("worker did not drain, killing")
			if err := signalProcess(pid, syscall.SIGKILL); err != nil {
				s.logger.Warn().Err(err).Int("pid", pid).Msg("failed to kill worker")
			}
		}
	}

	if err := s.clearPIDs(); err != nil {
		return len(running), err
	}
	return len(running), nil
}

// lock takes the sidecar flock so concurrent CLI invocations cannot
// interleave rewrites.
func (s *Supervisor) lock() (*flock.Flock, error) {
	lock := flock.New(s.pidPath + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock pid sidecar: %w", err)
	}
	return lock, nil
}

// writePIDs overwrites the sidecar with one PID per line.
func (s *Supervisor) writePIDs(pids []int) error {
	lock, err := s.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	lines := make([]string, len(pids))
	for i, pid := range pids {
		lines[i] = strconv.Itoa(pid)
	}
	if err := os.WriteFile(s.pidPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write pid sidecar: %w", err)
	}
	return nil
}

// readPIDs parses the sidecar; a missing file means no workers.
func (s *Supervisor) readPIDs() ([]int, error) {
	lock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(s.pidPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pid sidecar: %w", err)
	}

	pids := make([]int, 0)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid < 1 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// clearPIDs deletes the sidecar.
func (s *Supervisor) clearPIDs() error {
	lock, err := s.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := os.Remove(s.pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid sidecar: %w", err)
	}
	return nil
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if processAlive(pid) {
			return true
		}
	}
	return false
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	return signalProcess(pid, syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(sig)
}
