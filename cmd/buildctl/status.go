package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yungbote/buildctl/internal/app"
	"github.com/yungbote/buildctl/internal/domain/build"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and worker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path := os.Getenv("BUILDCTL_JOB_DB"); path != "" {
				if _, err := os.Stat(path); err != nil {
					return &operationalError{fmt.Errorf("job database not found: %w", err)}
				}
			}
			a, err := app.New()
			if err != nil {
				return &operationalError{err}
			}
			defer a.Close()

			ctx := context.Background()
			counts, err := a.Queue.CountJobsByStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Println("jobs:")
			for _, st := range []build.JobStatus{
				build.JobStatusPending, build.JobStatusProcessing,
				build.JobStatusCompleted, build.JobStatusFailed, build.JobStatusCancelled,
			} {
				fmt.Printf("  %-11s %d\n", st, counts[string(st)])
			}

			rows, err := a.Queue.ListWorkers(ctx)
			if err != nil {
				return err
			}
			byStatus := map[string]int{}
			for _, w := range rows {
				byStatus[w.Status]++
			}
			fmt.Println("workers:")
			for _, st := range []build.WorkerStatus{
				build.WorkerStatusCreated, build.WorkerStatusIdle,
				build.WorkerStatusBusy, build.WorkerStatusHung, build.WorkerStatusDead,
			} {
				fmt.Printf("  %-11s %d\n", st, byStatus[string(st)])
			}
			return nil
		},
	}
}

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Tail worker lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New()
			if err != nil {
				return &operationalError{err}
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printEvent := func(ev build.WorkerEvent) {
				detail := ""
				if len(ev.Detail) > 0 {
					detail = string(ev.Detail)
				}
				wid := ""
				if ev.WorkerID != nil {
					wid = ev.WorkerID.String()[:8]
				}
				fmt.Printf("%s  %-16s %-8s %s\n",
					ev.Timestamp.Format("15:04:05"), ev.EventType, wid, detail)
			}

			// Live tail over Redis when configured; otherwise dump the
			// recent history from the events table once.
			if a.Events != nil {
				if err := a.Events.Subscribe(ctx, printEvent); err != nil {
					return err
				}
				fmt.Println("subscribed to live events, ctrl-c to exit")
				<-ctx.Done()
				return nil
			}

			rows, err := a.Queue.ListEvents(ctx, 100)
			if err != nil {
				return err
			}
			for i := len(rows) - 1; i >= 0; i-- {
				printEvent(rows[i])
			}
			return nil
		},
	}
}
