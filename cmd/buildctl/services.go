package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yungbote/buildctl/internal/app"
	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/temporalx/temporalworker"
	"github.com/yungbote/buildctl/internal/worker"
	"github.com/yungbote/buildctl/internal/worker/handlers/drawio"
	"github.com/yungbote/buildctl/internal/worker/handlers/notebook"
	"github.com/yungbote/buildctl/internal/worker/handlers/plantuml"
)

// runTemporalWorker hosts every handler type inside one Temporal worker.
func runTemporalWorker(ctx context.Context, a *app.App) error {
	tc, err := a.TemporalClient()
	if err != nil {
		return err
	}
	if tc == nil {
		return fmt.Errorf("temporal backend selected but TEMPORAL_ADDRESS is not set")
	}
	defer tc.Close()

	registry := worker.NewRegistry()
	for _, h := range []worker.Handler{notebook.New(), plantuml.New(), drawio.New()} {
		if err := registry.Register(h); err != nil {
			return err
		}
	}
	tools := worker.Tools{
		PlantUMLJar:  a.Cfg.PlantUMLJar,
		DrawioBinary: a.Cfg.DrawioBinary,
		JupyterCmd:   a.Cfg.JupyterCmd,
	}

	runner, err := temporalworker.NewRunner(a.Log, tc, a.Queue, a.Cache, registry, tools)
	if err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		return err
	}
	fmt.Println("temporal worker running, ctrl-c to exit")
	<-ctx.Done()
	return nil
}

func newStartServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-services",
		Short: "Start a persistent worker pool that outlives individual builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New()
			if err != nil {
				return &operationalError{err}
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// With the temporal backend selected, the service process hosts
			// the Temporal-side executor instead of a polling pool.
			if a.Cfg.Backend == config.BackendTemporal {
				return runTemporalWorker(ctx, a)
			}

			res, err := a.Lifecycle.StartPersistentWorkers(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("started %d workers (%d failures)\n", len(res.Started), len(res.Failures))
			for _, f := range res.Failures {
				fmt.Fprintln(os.Stderr, " -", f)
			}
			if len(res.Started) == 0 {
				return fmt.Errorf("no workers started")
			}

			<-ctx.Done()
			a.Lifecycle.StopPersistentWorkers(context.Background())
			return nil
		},
	}
}

func newStopServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-services",
		Short: "Stop all known worker runtimes and mark their rows dead",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New()
			if err != nil {
				return &operationalError{err}
			}
			defer a.Close()

			ctx := context.Background()
			rows, err := a.Queue.ListWorkers(ctx,
				build.WorkerStatusCreated, build.WorkerStatusIdle,
				build.WorkerStatusBusy, build.WorkerStatusHung)
			if err != nil {
				return err
			}
			stopped := 0
			for _, w := range rows {
				if a.Executor.StopWorker(ctx, w.ExecutorID) {
					stopped++
				}
				if err := a.Queue.UpdateWorkerStatus(ctx, w.ID, build.WorkerStatusDead); err != nil {
					a.Log.Warn("mark worker dead failed", "worker_id", w.ID, "error", err)
				}
			}
			fmt.Printf("stopped %d of %d workers\n", stopped, len(rows))
			return nil
		},
	}
}
