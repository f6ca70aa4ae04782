package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/buildctl/internal/app"
)

func newWorkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect and clean up registered workers",
	}
	cmd.AddCommand(newWorkersListCmd(), newWorkersCleanupCmd())
	return cmd
}

func newWorkersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List worker rows and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New()
			if err != nil {
				return &operationalError{err}
			}
			defer a.Close()

			rows, err := a.Queue.ListWorkers(context.Background())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tHEARTBEAT\tPROCESSED\tFAILED\tMODE")
			now := time.Now().UTC()
			for _, r := range rows {
				hb := "never"
				if r.LastHeartbeat != nil {
					hb = now.Sub(*r.LastHeartbeat).Truncate(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID.String()[:8], r.WorkerType, r.Status, hb,
					r.JobsProcessed, r.JobsFailed, r.ExecutionMode)
			}
			return w.Flush()
		},
	}
}

func newWorkersCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge stale worker rows, reset orphaned jobs, and apply retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New()
			if err != nil {
				return &operationalError{err}
			}
			defer a.Close()

			ctx := context.Background()
			if err := a.Pool.CleanupStaleWorkers(ctx); err != nil {
				return err
			}
			reset, err := a.Queue.ResetHungJobs(ctx)
			if err != nil {
				return err
			}
			if err := a.Queue.CleanupAll(ctx,
				a.Cfg.CompletedJobRetention, a.Cfg.FailedJobRetention,
				a.Cfg.CancelledJobRetention, a.Cfg.EventRetention); err != nil {
				return err
			}
			if err := a.Cache.CleanupAll(ctx, a.Cfg.ResultRetainCount, a.Cfg.IssueRetentionDays); err != nil {
				return err
			}
			fmt.Printf("cleanup complete, %d orphaned jobs reset to pending\n", reset)
			return nil
		},
	}
}
