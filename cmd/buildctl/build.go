package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yungbote/buildctl/internal/app"
	"github.com/yungbote/buildctl/internal/course"
	"github.com/yungbote/buildctl/internal/driver"
)

func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build <spec-file>",
		Short: "Build all outputs for a course spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New()
			if err != nil {
				return &operationalError{err}
			}
			defer a.Close()

			crs, err := course.Load(args[0])
			if err != nil {
				return &operationalError{err}
			}

			// First SIGINT drains cooperatively; the second one is left at
			// its default disposition and kills the process.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stop()
			}()

			shouldStart, err := a.Lifecycle.ShouldStartWorkers(ctx)
			if err != nil {
				return err
			}
			startedWorkers := false
			if shouldStart {
				res, err := a.Lifecycle.StartManagedWorkers(ctx)
				if err != nil {
					return err
				}
				startedWorkers = true
				for _, f := range res.Failures {
					a.Log.Warn("worker failed to start", "error", f)
				}
			}
			defer func() {
				if startedWorkers {
					a.Lifecycle.StopManagedWorkers(context.Background())
				}
			}()

			be, err := a.NewBackend()
			if err != nil {
				return err
			}
			defer func() {
				if err := be.Shutdown(context.Background()); err != nil {
					a.Log.Warn("backend shutdown cleanup failed", "error", err)
				}
			}()

			d := driver.New(be, a.Reporter, a.Log)
			ok, err := d.RunCourse(ctx, crs)
			if err != nil {
				return err
			}
			if !a.Reporter.Summary() || !ok {
				return fmt.Errorf("build completed with failures")
			}
			return nil
		},
	}
}
