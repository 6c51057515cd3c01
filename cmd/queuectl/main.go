// Command queuectl is the CLI front-end for the queuectl job queue: job
// submission and inspection, dead-letter management, the worker pool, and
// configuration.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/queuectl"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(queuectl.ExitCode(err))
	}
}

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "A CLI-based durable background job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", queuectl.DefaultConfigPath,
		"path to the settings file")

	// Flag and argument mistakes are usage errors (exit 2), not generic
	// failures.
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", queuectl.ErrValidation, err)
	})

	root.AddCommand(
		newEnqueueCmd(),
		newListCmd(),
		newStatusCmd(),
		newDLQCmd(),
		newWorkerCmd(),
		newConfigCmd(),
		newPurgeCmd(),
	)
	return root
}

// exactArgs is cobra.ExactArgs with the usage exit code attached.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: expected %d argument(s), got %d", queuectl.ErrValidation, n, len(args))
		}
		return nil
	}
}

// maxArgs is cobra.MaximumNArgs with the usage exit code attached.
func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return fmt.Errorf("%w: expected at most %d argument(s), got %d", queuectl.ErrValidation, n, len(args))
		}
		return nil
	}
}

// env bundles the loaded configuration and logger shared by all commands.
type env struct {
	cfg      *queuectl.Config
	settings queuectl.Settings
	logger   zerolog.Logger
}

func loadEnv() (*env, error) {
	cfg, err := queuectl.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:      cfg,
		settings: settings,
		logger:   queuectl.NewLogger(settings.LogLevel),
	}, nil
}

// openStore opens the store selected by db_driver.
func (e *env) openStore() (queuectl.Store, error) {
	switch e.settings.DBDriver {
	case "badger":
		return queuectl.NewBadgerStore(e.settings.DBPath, e.logger)
	default:
		return queuectl.NewSQLiteStore(e.settings.DBPath)
	}
}

// openManager opens the store and wraps it in a Manager.
func (e *env) openManager() (queuectl.Store, *queuectl.Manager, error) {
	store, err := e.openStore()
	if err != nil {
		return nil, nil, err
	}
	return store, queuectl.NewManager(store, e.settings, e.logger), nil
}
