// Package backend translates pipeline operations into job submissions and
// drains their completions. From the driver's perspective, a Backend
// is simply the thing that executes an operation.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/errcat"
	"github.com/yungbote/buildctl/internal/observability"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/report"
	"github.com/yungbote/buildctl/internal/resultcache"
)

// Backend is the contract the pipeline driver consumes. The default
// implementation is queue-backed; a broker-backed one satisfies the same
// interface.
type Backend interface {
	ExecuteOperation(ctx context.Context, op Operation, payload build.Payload) error
	WaitForCompletion(ctx context.Context) (bool, error)
	CopyFileToOutput(ctx context.Context, src, dest string) error
	CopyDirGroupToOutput(ctx context.Context, srcDirs []string, destDir string) ([]build.Warning, error)
	Shutdown(ctx context.Context) error
}

// activeJob is the minimal per-job context kept between submission and
// completion processing.
type activeJob struct {
	op             Operation
	jobType        build.JobType
	outputMetadata string
}

// QueueBackend drives the durable Job DB queue.
type QueueBackend struct {
	cfg   config.Config
	queue *queue.Queue
	cache *resultcache.Cache
	cat   *errcat.Categorizer
	rep   report.Reporter
	log   *logger.Logger

	// submitHook, when set, dispatches a just-added job to an alternate
	// transport (the Temporal backend) instead of relying on polling
	// workers; it also disables the worker availability gate.
	submitHook func(ctx context.Context, jobID uuid.UUID, jobType build.JobType) error

	mu     sync.Mutex
	active map[uuid.UUID]activeJob
	failed []uuid.UUID
}

// SetSubmitHook installs the alternate-transport dispatch described above.
func (b *QueueBackend) SetSubmitHook(hook func(ctx context.Context, jobID uuid.UUID, jobType build.JobType) error) {
	b.submitHook = hook
}

func NewQueueBackend(cfg config.Config, q *queue.Queue, cache *resultcache.Cache, rep report.Reporter, log *logger.Logger) *QueueBackend {
	return &QueueBackend{
		cfg:    cfg,
		queue:  q,
		cache:  cache,
		cat:    errcat.New(),
		rep:    rep,
		log:    log.With("component", "QueueBackend"),
		active: map[uuid.UUID]activeJob{},
	}
}

var tracer = observability.Tracer("buildctl/backend")

// ExecuteOperation resolves the operation from cache or submits it as a
// job; it never blocks on job completion.
func (b *QueueBackend) ExecuteOperation(ctx context.Context, op Operation, payload build.Payload) error {
	ctx, span := tracer.Start(ctx, "execute_operation")
	defer span.End()
	span.SetAttributes(
		attribute.String("service", op.ServiceName),
		attribute.String("input_file", op.InputFile),
		attribute.String("correlation_id", op.CorrelationID),
	)

	jobType, err := jobTypeForService(op.ServiceName)
	if err != nil {
		return fmt.Errorf("%w: %q", err, op.ServiceName)
	}
	outputMetadata := payload.OutputMetadata()

	if b.cfg.ReadFromCache {
		hit, err := b.tryResultCache(ctx, op, outputMetadata)
		if err != nil {
			return err
		}
		if hit {
			return nil
		}
		hit, err = b.tryJobCache(ctx, op, outputMetadata)
		if err != nil {
			return err
		}
		if hit {
			return nil
		}
	}

	if b.submitHook == nil {
		if err := b.ensureWorkersAvailable(ctx, jobType); err != nil {
			return err
		}
	}

	id, err := b.queue.AddJob(ctx, jobType, op.InputFile, op.OutputFile, op.ContentHash, payload, op.CorrelationID)
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}

	b.mu.Lock()
	b.active[id] = activeJob{op: op, jobType: jobType, outputMetadata: outputMetadata}
	b.mu.Unlock()

	if b.submitHook != nil {
		if err := b.submitHook(ctx, id, jobType); err != nil {
			return fmt.Errorf("dispatch job %s: %w", id, err)
		}
	}

	b.log.Debug("job submitted", "job_id", id, "job_type", jobType, "input_file", op.InputFile)
	return nil
}

// tryResultCache is the authoritative probe: a hit rewrites the output
// from cached bytes (incremental mode assumes the file is already on disk)
// and re-surfaces every stored issue for the key so nothing reported on
// the first run goes silent on a hit.
func (b *QueueBackend) tryResultCache(ctx context.Context, op Operation, outputMetadata string) (bool, error) {
	res, err := b.cache.GetResult(ctx, op.InputFile, op.ContentHash, outputMetadata)
	if err != nil {
		return false, fmt.Errorf("result cache probe: %w", err)
	}

	errs, warns, err := b.cache.GetIssues(ctx, op.InputFile, op.ContentHash, outputMetadata)
	if err != nil {
		return false, fmt.Errorf("cached issues probe: %w", err)
	}

	if res == nil && len(errs) == 0 {
		return false, nil
	}

	for _, w := range warns {
		b.rep.Warning(build.Warning{
			Category: w.Category, Message: w.Message, Severity: w.Severity, FilePath: w.FilePath,
		})
	}

	if res != nil {
		if !b.cfg.Incremental {
			if err := writeFileAtomic(op.OutputFile, res.ResultBlob); err != nil {
				return false, fmt.Errorf("write cached output: %w", err)
			}
		}
		b.rep.CacheHit(op.InputFile)
		b.rep.FileProcessed(op.InputFile, true)
		b.log.Debug("result cache hit", "input_file", op.InputFile)
		return true, nil
	}

	// A stored user error for the key: the job is a guaranteed failure,
	// re-surface it instead of re-running.
	for _, e := range errs {
		be := buildtax.New(build.ErrorType(e.ErrorType), e.Category, e.Message, e.Guidance, nil)
		be.Severity = build.Severity(e.Severity)
		be.FilePath = e.FilePath
		b.rep.Error(be)
	}
	b.rep.CacheHit(op.InputFile)
	b.rep.FileProcessed(op.InputFile, false)
	b.markFailed(uuid.Nil)
	b.log.Debug("cached user error hit", "input_file", op.InputFile)
	return true, nil
}

// tryJobCache is the cheap session-scoped probe in the Job DB: "did some
// prior session already produce this output file for this hash".
func (b *QueueBackend) tryJobCache(ctx context.Context, op Operation, outputMetadata string) (bool, error) {
	ok, err := b.queue.CheckCache(ctx, op.OutputFile, op.ContentHash)
	if err != nil {
		return false, fmt.Errorf("job cache probe: %w", err)
	}
	if !ok {
		return false, nil
	}
	if _, err := os.Stat(op.OutputFile); err != nil {
		return false, nil
	}
	b.rep.CacheHit(op.InputFile)
	b.rep.FileProcessed(op.InputFile, true)
	b.log.Debug("job cache hit", "output_file", op.OutputFile)
	return true, nil
}

// ensureWorkersAvailable is the gate that prevents silent enqueueing into
// an unserviced queue: no fresh workers and none activating within the
// bounded wait is a fatal infrastructure error.
func (b *QueueBackend) ensureWorkersAvailable(ctx context.Context, jobType build.JobType) error {
	healthy, err := b.queue.CountHealthyWorkers(ctx, string(jobType), queue.StaleHeartbeat)
	if err != nil {
		return err
	}
	if healthy > 0 {
		return nil
	}

	created, err := b.queue.CountCreatedWorkers(ctx, string(jobType))
	if err != nil {
		return err
	}
	if created > 0 {
		b.log.Info("waiting for pre-registered workers to activate",
			"job_type", jobType, "created", created)
		deadline := time.Now().Add(b.cfg.ActivationWait)
		for time.Now().Before(deadline) {
			healthy, err = b.queue.CountHealthyWorkers(ctx, string(jobType), queue.StaleHeartbeat)
			if err != nil {
				return err
			}
			if healthy > 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	}

	be := b.cat.CategorizeNoWorkersError(jobType)
	b.rep.Error(be)
	return be
}

// WaitForCompletion drains all submitted jobs, storing results and
// categorized errors as they land, and returns true iff nothing failed.
func (b *QueueBackend) WaitForCompletion(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "wait_for_completion")
	defer span.End()

	deadline := time.Now().Add(b.cfg.CompletionDeadline)
	lastHungCheck := time.Now()

	for {
		b.mu.Lock()
		n := len(b.active)
		b.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("completion wait exceeded %s with %d jobs outstanding", b.cfg.CompletionDeadline, n)
		}

		if time.Since(lastHungCheck) >= 5*time.Second {
			if reset, err := b.queue.ResetHungJobs(ctx); err != nil {
				b.log.Warn("reset hung jobs failed", "error", err)
			} else if reset > 0 {
				b.log.Info("reset hung jobs back to pending", "count", reset)
			}
			lastHungCheck = time.Now()
		}

		if err := b.pollOnce(ctx); err != nil {
			return false, err
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}

	b.mu.Lock()
	failed := len(b.failed)
	b.failed = nil
	b.mu.Unlock()
	return failed == 0, nil
}

func (b *QueueBackend) pollOnce(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]uuid.UUID, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	statuses, err := b.queue.GetJobStatusesBatch(ctx, ids)
	if err != nil {
		return fmt.Errorf("poll job statuses: %w", err)
	}

	for id, st := range statuses {
		switch build.JobStatus(st.Status) {
		case build.JobStatusCompleted:
			b.handleCompleted(ctx, id)
		case build.JobStatusFailed:
			b.handleFailed(ctx, id, st.Error)
		case build.JobStatusCancelled:
			// Cancellation is not an error; drop it from tracking
			// without touching the failure count.
			b.log.Debug("job cancelled", "job_id", id)
			b.remove(id)
		}
	}
	return nil
}

func (b *QueueBackend) handleCompleted(ctx context.Context, id uuid.UUID) {
	b.mu.Lock()
	aj, ok := b.active[id]
	b.mu.Unlock()
	if !ok {
		return
	}

	job, err := b.queue.GetJob(ctx, id)
	if err != nil || job == nil {
		b.log.Warn("completed job not loadable", "job_id", id, "error", err)
		b.remove(id)
		return
	}

	for _, w := range extractWarnings(job.Result) {
		b.rep.Warning(w)
		if err := b.cache.StoreWarning(ctx, aj.op.InputFile, aj.op.ContentHash, aj.outputMetadata, w); err != nil {
			b.log.Warn("store warning failed", "job_id", id, "error", err)
		}
	}

	// Cache writes happen even when cache reads are disabled: disabling
	// reads does not disable writes.
	data, err := os.ReadFile(aj.op.OutputFile)
	if err != nil {
		b.log.Warn("completed job output unreadable, not caching", "job_id", id, "error", err)
	} else {
		err = b.cache.StoreLatestResult(ctx,
			aj.op.InputFile, aj.op.ContentHash, aj.outputMetadata, aj.op.CorrelationID,
			resultKindForJobType(aj.jobType), data, aj.op.InputFile, b.cfg.ResultRetainCount)
		if err != nil {
			b.log.Warn("store result failed", "job_id", id, "error", err)
		}
	}

	b.rep.FileProcessed(aj.op.InputFile, true)
	b.remove(id)
}

func (b *QueueBackend) handleFailed(ctx context.Context, id uuid.UUID, rawError string) {
	b.mu.Lock()
	aj, ok := b.active[id]
	b.mu.Unlock()
	if !ok {
		return
	}

	be := b.cat.CategorizeJobError(aj.jobType, aj.op.InputFile, rawError, aj.op.CorrelationID)
	if be.Cacheable() {
		err := b.cache.StoreError(ctx,
			aj.op.InputFile, aj.op.ContentHash, aj.outputMetadata,
			be.ErrorType, be.Category, be.Severity, be.Message, be.FilePath, be.Guidance)
		if err != nil {
			b.log.Warn("store error failed", "job_id", id, "error", err)
		}
	}
	b.rep.Error(be)
	b.rep.FileProcessed(aj.op.InputFile, false)
	b.markFailed(id)
	b.remove(id)
}

func (b *QueueBackend) remove(id uuid.UUID) {
	b.mu.Lock()
	delete(b.active, id)
	b.mu.Unlock()
}

func (b *QueueBackend) markFailed(id uuid.UUID) {
	b.mu.Lock()
	b.failed = append(b.failed, id)
	b.mu.Unlock()
}

// extractWarnings pulls the structured warnings a worker attached to the
// job's result blob.
func extractWarnings(blob []byte) []build.Warning {
	if len(blob) == 0 {
		return nil
	}
	var wrapper struct {
		Warnings []build.Warning `json:"warnings"`
	}
	if err := json.Unmarshal(blob, &wrapper); err != nil {
		return nil
	}
	return wrapper.Warnings
}

// Shutdown performs a short final drain, then runs retention cleanup on
// both stores.
func (b *QueueBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	outstanding := len(b.active)
	b.mu.Unlock()
	if outstanding > 0 {
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, _ = b.WaitForCompletion(drainCtx)
		cancel()
	}

	var errs []error
	if err := b.queue.CleanupAll(ctx,
		b.cfg.CompletedJobRetention, b.cfg.FailedJobRetention,
		b.cfg.CancelledJobRetention, b.cfg.EventRetention); err != nil {
		errs = append(errs, fmt.Errorf("job db cleanup: %w", err))
	}
	if err := b.cache.CleanupAll(ctx, b.cfg.ResultRetainCount, b.cfg.IssueRetentionDays); err != nil {
		errs = append(errs, fmt.Errorf("cache db cleanup: %w", err))
	}
	return errors.Join(errs...)
}
