// Package temporalbackend is the broker-backed Backend variant: job rows
// still live in the durable Job DB (cache keys, status, recovery), but
// dispatch goes through a Temporal workflow per job instead of workers
// polling the queue. Selected with BUILDCTL_BACKEND=temporal.
package temporalbackend

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/buildctl/internal/backend"
	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/report"
	"github.com/yungbote/buildctl/internal/resultcache"
	"github.com/yungbote/buildctl/internal/temporalx"
	"github.com/yungbote/buildctl/internal/temporalx/jobrun"
)

// New wires a QueueBackend whose submissions are dispatched as Temporal
// workflows. Everything else — cache probes, completion polling, error
// categorization, retention — is shared with the queue backend, which is
// the point: same Backend interface, different transport.
func New(cfg config.Config, q *queue.Queue, cache *resultcache.Cache, rep report.Reporter, tc temporalsdkclient.Client, log *logger.Logger) (backend.Backend, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal backend selected but temporal client is not configured")
	}
	tcfg := temporalx.LoadConfig()
	b := backend.NewQueueBackend(cfg, q, cache, rep, log)
	b.SetSubmitHook(func(ctx context.Context, jobID uuid.UUID, jobType build.JobType) error {
		_, err := tc.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
			ID:        jobID.String(),
			TaskQueue: tcfg.TaskQueue,
		}, jobrun.WorkflowName)
		if err != nil {
			return fmt.Errorf("start workflow for job %s: %w", jobID, err)
		}
		return nil
	})
	return b, nil
}
