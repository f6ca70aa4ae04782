package jobrun

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"gorm.io/datatypes"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/resultcache"
	"github.com/yungbote/buildctl/internal/worker"
)

// Activities executes build jobs inside the Temporal worker process. The
// same handler registry the queue workers use does the actual work; status
// transitions still go through the Job DB so the Backend's completion loop
// is transport-agnostic.
type Activities struct {
	Log      *logger.Logger
	Queue    *queue.Queue
	Cache    *resultcache.Cache
	Registry *worker.Registry
	Tools    worker.Tools
	WorkerID uuid.UUID
}

// Run claims and processes one job by id.
func (a *Activities) Run(ctx context.Context, jobID string) (RunResult, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return RunResult{}, fmt.Errorf("jobrun: bad job id %q: %w", jobID, err)
	}
	log := a.Log.With("component", "TemporalJobRun", "job_id", id)

	job, err := a.Queue.ClaimJob(ctx, id, a.WorkerID)
	if err != nil {
		return RunResult{}, err
	}
	if job == nil {
		// Already claimed or terminal: a previous activity attempt got it.
		existing, err := a.Queue.GetJob(ctx, id)
		if err != nil || existing == nil {
			return RunResult{JobID: jobID, Status: "unknown"}, err
		}
		return RunResult{JobID: jobID, Status: existing.Status, Error: existing.Error}, nil
	}

	activity.RecordHeartbeat(ctx, "claimed")

	handler, ok := a.Registry.Get(build.JobType(job.JobType))
	if !ok {
		msg := fmt.Sprintf("no handler registered for job_type=%s", job.JobType)
		a.fail(ctx, job, msg)
		return RunResult{JobID: jobID, Status: string(build.JobStatusFailed), Error: msg}, nil
	}

	jc := worker.NewContext(ctx, log, job, a.Tools, a.Cache, a.Queue)
	result, runErr := handler.Run(jc)
	if runErr != nil {
		a.fail(ctx, job, runErr.Error())
		return RunResult{JobID: jobID, Status: string(build.JobStatusFailed), Error: runErr.Error()}, nil
	}
	if result == nil || len(result.Bytes) == 0 {
		a.fail(ctx, job, buildtax.ErrEmptyResult.Error())
		return RunResult{JobID: jobID, Status: string(build.JobStatusFailed), Error: buildtax.ErrEmptyResult.Error()}, nil
	}

	if err := worker.WriteFileAtomic(job.OutputFile, result.Bytes); err != nil {
		a.fail(ctx, job, fmt.Sprintf("write output: %v", err))
		return RunResult{JobID: jobID, Status: string(build.JobStatusFailed), Error: err.Error()}, nil
	}

	blob, _ := json.Marshal(map[string]interface{}{"warnings": result.Warnings})
	if err := a.Queue.UpdateJobStatus(ctx, job.ID, build.JobStatusCompleted, "", datatypes.JSON(blob)); err != nil {
		return RunResult{}, err
	}
	_ = a.Queue.AddToCache(ctx, job.OutputFile, job.ContentHash, map[string]interface{}{
		"job_type": job.JobType, "worker_id": a.WorkerID,
	})
	return RunResult{JobID: jobID, Status: string(build.JobStatusCompleted)}, nil
}

func (a *Activities) fail(ctx context.Context, job *build.Job, msg string) {
	info, _ := json.Marshal(map[string]string{"error_class": "Error", "error_message": msg})
	if err := a.Queue.UpdateJobStatus(ctx, job.ID, build.JobStatusFailed, string(info), nil); err != nil && a.Log != nil {
		a.Log.Error("mark job failed failed", "job_id", job.ID, "error", err)
	}
}
