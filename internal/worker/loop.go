package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/resultcache"
)

// Options are the loop's timing knobs; zero values take defaults.
type Options struct {
	PollInterval      time.Duration // base sleep between empty polls
	HeartbeatInterval time.Duration // max gap between heartbeats
	MaxJobTime        time.Duration // per-job deadline the worker enforces
	ExecutionMode     string
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.MaxJobTime <= 0 {
		o.MaxJobTime = 10 * time.Minute
	}
}

// Loop is one worker runtime's claim-process-write loop.
type Loop struct {
	id         uuid.UUID
	workerType build.JobType
	executorID string

	queue    *queue.Queue
	cache    *resultcache.Cache
	registry *Registry
	tools    Tools
	opts     Options
	log      *logger.Logger
}

func NewLoop(q *queue.Queue, cache *resultcache.Cache, registry *Registry, workerType build.JobType, executorID string, tools Tools, opts Options, log *logger.Logger) *Loop {
	opts.defaults()
	id := uuid.New()
	return &Loop{
		id:         id,
		workerType: workerType,
		executorID: executorID,
		queue:      q,
		cache:      cache,
		registry:   registry,
		tools:      tools,
		opts:       opts,
		log:        log.With("component", "WorkerLoop", "worker_type", workerType, "worker_id", id),
	}
}

// ID is the worker's row id in the Job DB.
func (l *Loop) ID() uuid.UUID { return l.id }

// Run executes the base loop until ctx is cancelled, then marks the worker
// row dead and returns. The registration with status=idle plus an immediate
// heartbeat is what the pool manager polls for during startup.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.queue.RegisterWorker(ctx, l.id, string(l.workerType), l.executorID, build.WorkerStatusIdle, l.opts.ExecutionMode); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	l.queue.RecordEvent(ctx, build.EventWorkerStarted, &l.id, map[string]interface{}{
		"worker_type": l.workerType, "executor_id": l.executorID,
	})
	l.log.Info("worker registered", "executor_id", l.executorID)

	lastHeartbeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		default:
		}

		if time.Since(lastHeartbeat) >= l.opts.HeartbeatInterval {
			if err := l.queue.Heartbeat(ctx, l.id); err == nil {
				lastHeartbeat = time.Now()
			}
		}

		job, err := l.queue.GetNextJob(ctx, string(l.workerType), l.id)
		if err != nil {
			if ctx.Err() != nil {
				l.shutdown()
				return nil
			}
			l.log.Warn("get_next_job failed", "error", err)
			l.sleep(ctx)
			continue
		}
		if job == nil {
			l.sleep(ctx)
			continue
		}

		l.processJob(ctx, job)
		lastHeartbeat = time.Now()
	}
}

func (l *Loop) processJob(ctx context.Context, job *build.Job) {
	_ = l.queue.UpdateWorkerStatus(ctx, l.id, build.WorkerStatusBusy)
	_ = l.queue.Heartbeat(ctx, l.id)
	defer func() {
		_ = l.queue.UpdateWorkerStatus(ctx, l.id, build.WorkerStatusIdle)
	}()

	log := l.log.With("job_id", job.ID, "correlation_id", job.CorrelationID, "input_file", job.InputFile)

	cancelled, err := l.queue.IsJobCancelled(ctx, job.ID)
	if err == nil && cancelled {
		log.Info("job cancelled before processing, releasing")
		return
	}

	handler, ok := l.registry.Get(build.JobType(job.JobType))
	if !ok {
		// Wiring error, not retryable: the type was enqueued but never
		// registered in this worker build.
		l.failJob(ctx, job, fmt.Errorf("no handler registered for job_type=%s", job.JobType))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, l.opts.MaxJobTime)
	defer cancel()
	stopHB := l.startHeartbeat(jobCtx)
	defer stopHB()

	jc := &Context{
		Ctx:   jobCtx,
		Log:   log,
		Job:   job,
		Tools: l.tools,
		Cache: l.cache,
		queue: l.queue,
	}

	result, runErr := l.runHandler(handler, jc)
	if runErr != nil {
		if cancelled, err := l.queue.IsJobCancelled(ctx, job.ID); err == nil && cancelled {
			// Cancellation mid-run is not a failure; partial output was
			// never renamed into place.
			log.Info("job cancelled during processing, discarding")
			return
		}
		l.failJob(ctx, job, runErr)
		return
	}
	if result == nil || len(result.Bytes) == 0 {
		l.failJob(ctx, job, buildtax.ErrEmptyResult)
		return
	}

	if err := WriteFileAtomic(job.OutputFile, result.Bytes); err != nil {
		l.failJob(ctx, job, fmt.Errorf("write output: %w", err))
		return
	}

	blob, _ := json.Marshal(map[string]interface{}{"warnings": result.Warnings})
	if err := l.queue.UpdateJobStatus(ctx, job.ID, build.JobStatusCompleted, "", datatypes.JSON(blob)); err != nil {
		log.Error("mark job completed failed", "error", err)
		return
	}
	_ = l.queue.AddToCache(ctx, job.OutputFile, job.ContentHash, map[string]interface{}{
		"job_type": job.JobType, "worker_id": l.id,
	})
	_ = l.queue.IncrementWorkerCounters(ctx, l.id, false)
	log.Info("job completed", "output_file", job.OutputFile, "warnings", len(result.Warnings))
}

// runHandler isolates panics: a handler crash fails the job, never the
// worker.
func (l *Loop) runHandler(h Handler, jc *Context) (result *build.HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("handler panic", "job_id", jc.Job.ID, "panic", r)
			result, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Run(jc)
}

// failJob records the failure as a structured error_info blob so the
// Backend's categorizer can parse class and message back out.
func (l *Loop) failJob(ctx context.Context, job *build.Job, cause error) {
	info := map[string]string{
		"error_class":   errorClass(cause),
		"error_message": cause.Error(),
	}
	raw, _ := json.Marshal(info)
	if err := l.queue.UpdateJobStatus(ctx, job.ID, build.JobStatusFailed, string(raw), nil); err != nil {
		l.log.Error("mark job failed failed", "job_id", job.ID, "error", err)
	}
	_ = l.queue.IncrementWorkerCounters(ctx, l.id, true)
	l.log.Warn("job failed", "job_id", job.ID, "error", cause)
}

func errorClass(err error) string {
	switch {
	case buildtax.IsPermanent(err):
		return "PermanentError"
	case err == context.DeadlineExceeded:
		return "TimeoutError"
	default:
		return "Error"
	}
}

// startHeartbeat keeps the worker row fresh during long handler runs so the
// health monitor does not misread a busy worker as dead.
func (l *Loop) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(l.opts.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_ = l.queue.Heartbeat(context.WithoutCancel(ctx), l.id)
			}
		}
	}()
	return func() { close(done) }
}

func (l *Loop) shutdown() {
	// The run context is gone; give the dying marks their own short window.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.queue.UpdateWorkerStatus(ctx, l.id, build.WorkerStatusDead)
	l.queue.RecordEvent(ctx, build.EventWorkerStopped, &l.id, nil)
	l.log.Info("worker stopped")
}

func (l *Loop) sleep(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(l.opts.PollInterval) / 2))
	select {
	case <-ctx.Done():
	case <-time.After(l.opts.PollInterval + jitter):
	}
}

// WriteFileAtomic writes to a temp file in the destination directory and
// renames it into place, creating the parent directory if missing. A
// half-written output is never observable at its final path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
