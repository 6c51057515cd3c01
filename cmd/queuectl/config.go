package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(newConfigGetCmd(), newConfigSetCmd(), newConfigResetCmd())
	return cmd
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Show one setting, or all settings",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				value, err := e.cfg.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], value)
				return nil
			}

			all := e.cfg.All()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, key := range e.cfg.Keys() {
				fmt.Fprintf(w, "%s\t%s\n", key, all[key])
			}
			return w.Flush()
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Update a setting and persist it",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}

			if err := e.cfg.Set(args[0], args[1]); err != nil {
				return err
			}

			value, err := e.cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration updated: %s = %s\n", args[0], value)
			return nil
		},
	}
}

func newConfigResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [key]",
		Short: "Reset one setting, or all settings, to defaults",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}

			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			if err := e.cfg.Reset(key); err != nil {
				return err
			}

			if key == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "All configuration reset to defaults")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration key %s reset to default\n", key)
			}
			return nil
		},
	}
}
