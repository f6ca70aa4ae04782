// Package temporalworker hosts the Temporal-side job executor: one worker
// polling the buildctl task queue, running build jobs through the shared
// handler registry.
package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/envutil"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/resultcache"
	"github.com/yungbote/buildctl/internal/temporalx"
	"github.com/yungbote/buildctl/internal/temporalx/jobrun"
	"github.com/yungbote/buildctl/internal/worker"
)

type Runner struct {
	log *logger.Logger

	tc       temporalsdkclient.Client
	queue    *queue.Queue
	cache    *resultcache.Cache
	registry *worker.Registry
	tools    worker.Tools

	workerID uuid.UUID
}

func NewRunner(log *logger.Logger, tc temporalsdkclient.Client, q *queue.Queue, cache *resultcache.Cache, registry *worker.Registry, tools worker.Tools) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if q == nil || registry == nil {
		return nil, fmt.Errorf("temporal worker missing deps")
	}
	return &Runner{
		log:      log.With("component", "TemporalWorker"),
		tc:       tc,
		queue:    q,
		cache:    cache,
		registry: registry,
		tools:    tools,
		workerID: uuid.New(),
	}, nil
}

// Start registers the workflow and activity and begins polling. A worker
// row is registered in the Job DB so the queue's worker accounting (and
// reset_hung_jobs ownership checks) see Temporal workers too.
func (r *Runner) Start(ctx context.Context) error {
	cfg := temporalx.LoadConfig()
	r.log.Info("starting temporal worker",
		"address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)

	if err := r.queue.RegisterWorker(ctx, r.workerID, "temporal", "temporal-"+r.workerID.String()[:8], build.WorkerStatusIdle, "temporal"); err != nil {
		return fmt.Errorf("register temporal worker row: %w", err)
	}

	maxWait := envutil.Duration("TEMPORAL_WORKER_START_MAX_WAIT", 60*time.Second, r.log)
	backoff := envutil.Duration("TEMPORAL_WORKER_START_BACKOFF", 250*time.Millisecond, r.log)

	deadline := time.Now().Add(maxWait)
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w := r.newWorker()
		startErr := w.Start()
		if startErr == nil {
			go r.heartbeatLoop(ctx)
			go func() {
				<-ctx.Done()
				w.Stop()
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = r.queue.UpdateWorkerStatus(stopCtx, r.workerID, build.WorkerStatusDead)
				cancel()
			}()
			r.log.Info("temporal worker started", "task_queue", cfg.TaskQueue, "attempts", attempt)
			return nil
		}
		w.Stop()

		// A missing namespace never heals without config changes.
		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) {
			return fmt.Errorf("temporal namespace not found (namespace=%s): %w", cfg.Namespace, startErr)
		}

		if maxWait <= 0 || time.Now().After(deadline) {
			return startErr
		}
		r.log.Warn("temporal worker failed to start; retrying",
			"task_queue", cfg.TaskQueue, "attempt", attempt, "error", startErr)
		time.Sleep(backoff * time.Duration(attempt))
	}
}

func (r *Runner) newWorker() temporalworker.Worker {
	cfg := temporalx.LoadConfig()

	concurrency := envutil.Int("TEMPORAL_WORKER_CONCURRENCY", 4, r.log)
	if concurrency < 1 {
		concurrency = 1
	}

	w := temporalworker.New(r.tc, cfg.TaskQueue, temporalworker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	acts := &jobrun.Activities{
		Log:      r.log,
		Queue:    r.queue,
		Cache:    r.cache,
		Registry: r.registry,
		Tools:    r.tools,
		WorkerID: r.workerID,
	}

	w.RegisterWorkflowWithOptions(jobrun.Workflow, workflow.RegisterOptions{Name: jobrun.WorkflowName})
	w.RegisterActivityWithOptions(acts.Run, activity.RegisterOptions{Name: jobrun.ActivityRun})
	return w
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = r.queue.Heartbeat(ctx, r.workerID)
		}
	}
}
