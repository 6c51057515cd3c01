package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead letter queue",
	}
	cmd.AddCommand(newDLQListCmd(), newDLQRetryCmd())
	return cmd
}

func newDLQListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the dead letter queue",
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

			jobs, err := mgr.DLQList(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs in the dead letter queue")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tCOMMAND\tATTEMPTS\tLAST UPDATED\tERROR")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					truncate(job.ID, 20),
					truncate(job.Command, 40),
					job.Attempts,
					job.UpdatedAt.Format(time.DateTime),
					truncate(job.ErrorMessage, 40),
				)
			}
			w.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d job(s) in DLQ\n", len(jobs))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of jobs to show")
	return cmd
}

func newDLQRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Return a dead-lettered job to the queue",
		Args:  exactArgs(1),
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

			if err := mgr.RetryDLQ(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s moved back to the pending queue\n", args[0])
			return nil
		},
	}
}
