package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/executor"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/resultcache"
	"github.com/yungbote/buildctl/internal/store/cachedb"
	"github.com/yungbote/buildctl/internal/store/jobdb"
	"github.com/yungbote/buildctl/internal/worker"
	"github.com/yungbote/buildctl/internal/worker/handlers/drawio"
	"github.com/yungbote/buildctl/internal/worker/handlers/imagedemo"
	"github.com/yungbote/buildctl/internal/worker/handlers/notebook"
	"github.com/yungbote/buildctl/internal/worker/handlers/plantuml"
)

// newWorkerCmd is the hidden entry point the managed executor re-executes
// this binary with; the environment carries the worker contract.
func newWorkerCmd() *cobra.Command {
	var workerType string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single worker loop (spawned by the orchestrator)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerType == "" {
				workerType = os.Getenv(executor.EnvWorkerType)
			}
			if workerType == "" {
				return &operationalError{fmt.Errorf("worker type not set (--type or %s)", executor.EnvWorkerType)}
			}

			log, err := logger.New(os.Getenv("LOG_MODE"))
			if err != nil {
				return err
			}
			defer log.Sync()

			jobDBPath := os.Getenv(executor.EnvJobDB)
			if jobDBPath == "" {
				return &operationalError{fmt.Errorf("%s not set", executor.EnvJobDB)}
			}
			jobDB, err := jobdb.Open(jobDBPath, log)
			if err != nil {
				return &operationalError{err}
			}
			q := queue.New(jobDB, log)

			// Only notebook workers need the Cache DB (executed-notebook
			// reuse); image workers run without it.
			var cache *resultcache.Cache
			if workerType == string(build.JobTypeNotebook) {
				if cacheDBPath := os.Getenv(executor.EnvCacheDB); cacheDBPath != "" {
					cacheDB, err := cachedb.Open(cacheDBPath, log)
					if err != nil {
						return &operationalError{err}
					}
					cache = resultcache.New(cacheDB, log)
				}
			}

			tools := worker.Tools{
				PlantUMLJar:  os.Getenv(executor.EnvPlantUMLJar),
				DrawioBinary: os.Getenv(executor.EnvDrawioBinary),
				JupyterCmd:   os.Getenv(executor.EnvJupyterCmd),
			}

			registry := worker.NewRegistry()
			if err := registerHandlers(registry, build.JobType(workerType), tools); err != nil {
				return err
			}

			loop := worker.NewLoop(q, cache, registry,
				build.JobType(workerType), os.Getenv(executor.EnvExecutorID),
				tools, worker.Options{ExecutionMode: "managed"}, log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return loop.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&workerType, "type", "", "worker type (notebook|plantuml|drawio)")
	return cmd
}

// registerHandlers picks the handler for the worker's type. Image types
// without their converter configured fall back to the placeholder renderer
// only when explicitly allowed; otherwise the real handler reports the
// missing tool as a configuration error.
func registerHandlers(registry *worker.Registry, workerType build.JobType, tools worker.Tools) error {
	placeholder := os.Getenv("BUILDCTL_PLACEHOLDER_IMAGES") == "1"
	switch workerType {
	case build.JobTypeNotebook:
		return registry.Register(notebook.New())
	case build.JobTypePlantUML:
		if placeholder && tools.PlantUMLJar == "" {
			h, err := imagedemo.New(build.JobTypePlantUML)
			if err != nil {
				return err
			}
			return registry.Register(h)
		}
		return registry.Register(plantuml.New())
	case build.JobTypeDrawio:
		if placeholder && tools.DrawioBinary == "" {
			h, err := imagedemo.New(build.JobTypeDrawio)
			if err != nil {
				return err
			}
			return registry.Register(h)
		}
		return registry.Register(drawio.New())
	default:
		return &operationalError{fmt.Errorf("unknown worker type %q", workerType)}
	}
}
