package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/buildctl/internal/domain/build"
)

// GetJob loads one full job row, nil if absent. The Backend's completion
// loop uses it to read the result blob of a job the batch query reported
// terminal.
func (q *Queue) GetJob(ctx context.Context, id uuid.UUID) (*build.Job, error) {
	var row build.Job
	err := q.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListJobs returns jobs filtered by status (all when empty), newest first,
// for the status CLI and the HTTP API.
func (q *Queue) ListJobs(ctx context.Context, statuses []build.JobStatus, limit int) ([]build.Job, error) {
	tx := q.db.WithContext(ctx).Order("created_at DESC")
	if len(statuses) > 0 {
		vals := make([]string, 0, len(statuses))
		for _, s := range statuses {
			vals = append(vals, string(s))
		}
		tx = tx.Where("status IN ?", vals)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []build.Job
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountJobsByStatus aggregates the queue for status displays.
func (q *Queue) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	type bucket struct {
		Status string
		N      int64
	}
	var rows []bucket
	err := q.db.WithContext(ctx).Model(&build.Job{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// ListEvents returns the newest worker events for the monitor command.
func (q *Queue) ListEvents(ctx context.Context, limit int) ([]build.WorkerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []build.WorkerEvent
	err := q.db.WithContext(ctx).Order("timestamp DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ClaimJob atomically claims one specific pending job for workerID: the
// targeted variant of GetNextJob used by transports that dispatch a known
// job id instead of polling by type. Returns nil when the job is already
// claimed or terminal.
func (q *Queue) ClaimJob(ctx context.Context, id uuid.UUID, workerID uuid.UUID) (*build.Job, error) {
	var claimed *build.Job
	err := q.withRetry(ctx, "claim_job", func() error {
		return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := time.Now().UTC()
			res := tx.Model(&build.Job{}).
				Where("id = ? AND status = ?", id, build.JobStatusPending).
				Updates(map[string]interface{}{
					"status":     string(build.JobStatusProcessing),
					"worker_id":  workerID,
					"started_at": now,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			var job build.Job
			if err := tx.Where("id = ?", id).Take(&job).Error; err != nil {
				return err
			}
			claimed = &job
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
