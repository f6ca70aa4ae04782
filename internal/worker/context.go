package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/resultcache"
)

// Tools carries resolved converter locations handed to handlers.
type Tools struct {
	PlantUMLJar  string
	DrawioBinary string
	JupyterCmd   string
}

// Context is the only mechanism a handler interacts with the system
// through: cancellation checks, payload decoding, the execution-reuse cache,
// and logging. It is the explicit replacement for ambient module state.
type Context struct {
	Ctx   context.Context
	Log   *logger.Logger
	Job   *build.Job
	Tools Tools

	// Cache is the Cache DB handle; nil for worker types that do not use
	// the executed-notebook cache.
	Cache *resultcache.Cache

	queue *queue.Queue
}

// NewContext builds a handler context outside the base loop; the Temporal
// activity runner uses it to execute the same handlers over a different
// transport.
func NewContext(ctx context.Context, log *logger.Logger, job *build.Job, tools Tools, cache *resultcache.Cache, q *queue.Queue) *Context {
	return &Context{Ctx: ctx, Log: log, Job: job, Tools: tools, Cache: cache, queue: q}
}

// Cancelled is the cheap check handlers call at natural interruption
// points, at minimum before any multi-second operation.
func (jc *Context) Cancelled() bool {
	if jc.Ctx.Err() != nil {
		return true
	}
	cancelled, err := jc.queue.IsJobCancelled(jc.Ctx, jc.Job.ID)
	if err != nil {
		// Evidence is unavailable; keep working rather than discard a job
		// on a transient DB error.
		jc.Log.Warn("cancellation check failed", "job_id", jc.Job.ID, "error", err)
		return false
	}
	return cancelled
}

// DecodeNotebookPayload unmarshals the job's payload as a NotebookPayload.
// A mismatch between job_type and payload shape is a protocol error.
func (jc *Context) DecodeNotebookPayload() (*build.NotebookPayload, error) {
	var p build.NotebookPayload
	if err := json.Unmarshal(jc.Job.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: notebook payload: %v", buildtax.ErrInvalidPayload, err)
	}
	return &p, nil
}

// DecodeImagePayload unmarshals the job's payload as an ImagePayload.
func (jc *Context) DecodeImagePayload() (*build.ImagePayload, error) {
	var p build.ImagePayload
	if err := json.Unmarshal(jc.Job.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: image payload: %v", buildtax.ErrInvalidPayload, err)
	}
	return &p, nil
}
