package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/queuectl"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show aggregate queue and worker counts",
		Args:  maxArgs(0),
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

			stats, err := mgr.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Jobs:")
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, state := range queuectl.JobStates {
				if state == queuectl.JobStateFailed {
					// Transient state, never at rest.
					continue
				}
				fmt.Fprintf(w, "  %s\t%d\n", state, stats.Jobs[state])
			}
			fmt.Fprintf(w, "  total\t%d\n", stats.TotalJobs)
			w.Flush()

			fmt.Fprintln(out, "\nWorkers:")
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "  active\t%d\n", stats.ActiveWorkers)
			fmt.Fprintf(w, "  total\t%d\n", stats.TotalWorkers)
			w.Flush()
			return nil
		},
	}
}
