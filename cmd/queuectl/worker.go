package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/queuectl"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage the worker pool",
	}
	cmd.AddCommand(newWorkerStartCmd(), newWorkerStopCmd(), newWorkerRunCmd())
	return cmd
}

func newWorkerStartCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Spawn detached worker processes",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}

			sup := queuectl.NewSupervisor(configPath, "", e.logger)
			pids, err := sup.Start(cmd.Context(), count)
			if err != nil {
				return err
			}

			strs := make([]string, len(pids))
			for i, pid := range pids {
				strs[i] = fmt.Sprint(pid)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %d worker(s)\nWorker PIDs: %s\n",
				len(pids), strings.Join(strs, ", "))
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of workers to start")
	return cmd
}

func newWorkerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop all tracked worker processes",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}

			sup := queuectl.NewSupervisor(configPath, "", e.logger)
			stopped, err := sup.Stop(cmd.Context())
			if err != nil {
				return err
			}

			if stopped == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workers to stop")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Stopped %d worker(s)\n", stopped)
			}
			return nil
		},
	}
}

func newWorkerRunCmd() *cobra.Command {
	var workerID string
	var exitWhenIdle bool
	var maxIdle int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single worker in the foreground",
		Long: `Run a single worker loop in the calling terminal. The first termination
signal drains the worker: an in-flight job finishes and reports before the
process exits. A second signal force-exits, leaving any in-flight job to be
recovered on the next startup.`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			store, mgr, err := e.openManager()
			if err != nil {
				return err
			}
			defer store.Close()

			runner := queuectl.NewRunner(store, mgr, e.settings, nil, e.logger, workerID)
			runner.ExitWhenIdle = exitWhenIdle
			if maxIdle > 0 {
				runner.MaxIdle = time.Duration(maxIdle) * time.Second
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// A second signal force-exits without draining.
			go func() {
				<-ctx.Done()
				stop()
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				<-sig
				e.logger.Warn().Msg("second signal received, forcing exit")
				os.Exit(1)
			}()

			return runner.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&workerID, "id", "", "worker id (generated when empty)")
	cmd.Flags().BoolVar(&exitWhenIdle, "exit-when-idle", false, "exit once the queue stays empty")
	cmd.Flags().IntVar(&maxIdle, "max-idle", 10, "seconds of idle time before exiting with --exit-when-idle")
	return cmd
}
