package jobrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow drives one build job: a single activity run with heartbeats.
// Job-level retry stays with the durable queue (reset_hung_jobs); Temporal
// only re-fires the activity on worker-process loss, which matches the
// queue backend's recovery semantics.
func Workflow(ctx workflow.Context) error {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return fmt.Errorf("jobrun: missing job_id")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 1 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil,
	})

	var out RunResult
	if err := workflow.ExecuteActivity(ctx, ActivityRun, jobID).Get(ctx, &out); err != nil {
		return err
	}
	if strings.EqualFold(out.Status, "failed") {
		return fmt.Errorf("job failed: %s", out.Error)
	}
	return nil
}
