package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/queuectl"
)

func newListCmd() *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
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

			jobs, err := mgr.List(cmd.Context(), queuectl.JobState(state), limit)
			if err != nil {
				return err
			}

			if len(jobs) == 0 {
				if state != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "No jobs found in state %s\n", state)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				}
				return nil
			}

			printJobTable(cmd.OutOrStdout(), jobs)
			fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d job(s)\n", len(jobs))
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by job state (pending, processing, completed, dlq)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of jobs to show")
	return cmd
}

func printJobTable(out io.Writer, jobs []*queuectl.Job) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tCOMMAND\tSTATE\tATTEMPTS\tMAX RETRIES\tCREATED\tERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncate(job.ID, 20),
			truncate(job.Command, 40),
			job.State,
			job.Attempts,
			job.MaxRetries,
			job.CreatedAt.Format(time.DateTime),
			truncate(job.ErrorMessage, 30),
		)
	}
	w.Flush()
}

// truncate shortens s to at most max bytes with an ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
