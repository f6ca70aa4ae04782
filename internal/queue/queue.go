// Package queue implements the Job Queue: atomic claim/complete/fail
// primitives over the Job DB.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"
)

// Queue wraps the Job DB with the queue's atomic primitives.
type Queue struct {
	db        *gorm.DB
	log       *logger.Logger
	retry     buildtax.RetryPolicy
	eventHook func(build.WorkerEvent)
}

func New(db *gorm.DB, log *logger.Logger) *Queue {
	return &Queue{db: db, log: log, retry: buildtax.DefaultQueueRetryPolicy()}
}

// SetEventHook installs an observer invoked after every recorded worker
// event (the Redis fanout, when configured). Never on the critical path:
// hook failures are the hook's problem.
func (q *Queue) SetEventHook(hook func(build.WorkerEvent)) { q.eventHook = hook }

// JobStatusInfo is the narrow projection get_job_statuses_batch returns.
type JobStatusInfo struct {
	Status string
	Error  string
}

// AddJob inserts a pending row. Content-hash uniqueness is not enforced;
// cache short-circuiting is a separate concern.
func (q *Queue) AddJob(ctx context.Context, jobType build.JobType, inputFile, outputFile, contentHash string, payload interface{}, correlationID string) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: marshal payload: %v", buildtax.ErrInvalidPayload, err)
	}
	id := uuid.New()
	now := time.Now().UTC()
	row := &build.Job{
		ID:            id,
		JobType:       string(jobType),
		InputFile:     inputFile,
		OutputFile:    outputFile,
		ContentHash:   contentHash,
		Payload:       datatypes.JSON(raw),
		Status:        string(build.JobStatusPending),
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = q.withRetry(ctx, "add_job", func() error {
		return q.db.WithContext(ctx).Create(row).Error
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// GetNextJob selects the oldest pending job of worker_type and atomically
// claims it for worker_id, returning nil if none is available. SQLite has
// no SKIP LOCKED, so the claim relies on _txlock=immediate: the transaction
// below acquires a write lock up front, making the select-then-update
// atomic with respect to any other immediate transaction, which simply
// blocks (and, past the busy-timeout, returns SQLITE_BUSY) rather than
// racing. withRetry absorbs that busy window with the queue's retry policy.
func (q *Queue) GetNextJob(ctx context.Context, workerType string, workerID uuid.UUID) (*build.Job, error) {
	var claimed *build.Job
	err := q.withRetry(ctx, "get_next_job", func() error {
		return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var job build.Job
			err := tx.Where("job_type = ? AND status = ?", workerType, build.JobStatusPending).
				Order("created_at ASC").
				Limit(1).
				Take(&job).Error
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			wid := workerID
			res := tx.Model(&build.Job{}).
				Where("id = ? AND status = ?", job.ID, build.JobStatusPending).
				Updates(map[string]interface{}{
					"status":     string(build.JobStatusProcessing),
					"worker_id":  wid,
					"started_at": now,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Lost a race within the same immediate transaction window
				// (should not happen under SQLite's single-writer model,
				// but defend against it rather than return a half-claimed row).
				return nil
			}
			job.Status = string(build.JobStatusProcessing)
			job.WorkerID = &wid
			job.StartedAt = &now
			job.UpdatedAt = now
			claimed = &job
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateJobStatus transitions a job to a terminal status. Terminal states
// are final; no transition back.
func (q *Queue) UpdateJobStatus(ctx context.Context, id uuid.UUID, status build.JobStatus, errMsg string, result datatypes.JSON) error {
	switch status {
	case build.JobStatusCompleted, build.JobStatusFailed, build.JobStatusCancelled:
	default:
		return fmt.Errorf("update_job_status: %q is not a terminal status", status)
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       string(status),
		"completed_at": now,
		"updated_at":   now,
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if len(result) > 0 {
		updates["result_blob"] = result
	}
	return q.withRetry(ctx, "update_job_status", func() error {
		res := q.db.WithContext(ctx).Model(&build.Job{}).
			Where("id = ? AND status NOT IN ?", id, terminalStatuses()).
			Updates(updates)
		return res.Error
	})
}

// GetJobStatusesBatch answers one query for many ids, used by the Backend's
// polling loop.
func (q *Queue) GetJobStatusesBatch(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]JobStatusInfo, error) {
	out := make(map[uuid.UUID]JobStatusInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []build.Job
	err := q.withRetry(ctx, "get_job_statuses_batch", func() error {
		rows = nil
		return q.db.WithContext(ctx).
			Select("id", "status", "error").
			Where("id IN ?", ids).
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ID] = JobStatusInfo{Status: r.Status, Error: r.Error}
	}
	return out, nil
}

// IsJobCancelled is a cheap check workers call at cancellation points.
func (q *Queue) IsJobCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	var status string
	err := q.withRetry(ctx, "is_job_cancelled", func() error {
		return q.db.WithContext(ctx).Model(&build.Job{}).Select("status").Where("id = ?", id).Take(&status).Error
	})
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == string(build.JobStatusCancelled), nil
}

// CancelJobsForFile transitions every pending-or-processing job with
// matching input_file to cancelled, atomically, recording cancelled_by.
// Used by watch-mode to pre-empt superseded builds; idempotent (a second
// call affects zero additional rows).
func (q *Queue) CancelJobsForFile(ctx context.Context, inputFile, reason string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := q.withRetry(ctx, "cancel_jobs_for_file", func() error {
		ids = nil
		return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rows []build.Job
			if err := tx.Select("id").
				Where("input_file = ? AND status IN ?", inputFile, []string{string(build.JobStatusPending), string(build.JobStatusProcessing)}).
				Find(&rows).Error; err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			for _, r := range rows {
				ids = append(ids, r.ID)
			}
			now := time.Now().UTC()
			return tx.Model(&build.Job{}).Where("id IN ?", ids).Updates(map[string]interface{}{
				"status":       string(build.JobStatusCancelled),
				"cancelled_by": reason,
				"completed_at": now,
				"updated_at":   now,
			}).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ResetHungJobs scans for jobs stuck in processing whose owning worker is
// dead, and returns them to pending. Critical for recovery after worker
// crashes.
func (q *Queue) ResetHungJobs(ctx context.Context) (int, error) {
	var count int64
	err := q.withRetry(ctx, "reset_hung_jobs", func() error {
		return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var deadWorkerIDs []uuid.UUID
			if err := tx.Model(&build.Worker{}).
				Select("id").
				Where("status = ?", build.WorkerStatusDead).
				Find(&deadWorkerIDs).Error; err != nil {
				return err
			}
			if len(deadWorkerIDs) == 0 {
				count = 0
				return nil
			}
			now := time.Now().UTC()
			res := tx.Model(&build.Job{}).
				Where("status = ? AND worker_id IN ?", build.JobStatusProcessing, deadWorkerIDs).
				Updates(map[string]interface{}{
					"status":     string(build.JobStatusPending),
					"worker_id":  nil,
					"started_at": nil,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			count = res.RowsAffected
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// CheckCache is a fast existence check in the job-side cache table, answers
// "was this produced this session" (distinct from the authoritative Result
// Cache in Cache DB).
func (q *Queue) CheckCache(ctx context.Context, outputFile, contentHash string) (bool, error) {
	var count int64
	err := q.withRetry(ctx, "check_cache", func() error {
		return q.db.WithContext(ctx).Model(&build.JobCacheEntry{}).
			Where("output_file = ? AND content_hash = ?", outputFile, contentHash).
			Count(&count).Error
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddToCache pairs with CheckCache.
func (q *Queue) AddToCache(ctx context.Context, outputFile, contentHash string, metadata interface{}) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("add_to_cache: marshal metadata: %w", err)
	}
	row := &build.JobCacheEntry{
		OutputFile:  outputFile,
		ContentHash: contentHash,
		Metadata:    datatypes.JSON(raw),
		StoredAt:    time.Now().UTC(),
	}
	return q.withRetry(ctx, "add_to_cache", func() error {
		return q.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "output_file"}, {Name: "content_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"metadata_blob", "stored_at"}),
		}).Create(row).Error
	})
}

// RecordEvent appends a WorkerEvent row. Best-effort: a failure here never
// fails the caller's critical-path operation.
func (q *Queue) RecordEvent(ctx context.Context, eventType build.WorkerEventType, workerID *uuid.UUID, detail interface{}) {
	raw, _ := json.Marshal(detail)
	row := &build.WorkerEvent{
		Timestamp: time.Now().UTC(),
		EventType: string(eventType),
		WorkerID:  workerID,
		Detail:    datatypes.JSON(raw),
	}
	if err := q.db.WithContext(ctx).Create(row).Error; err != nil && q.log != nil {
		q.log.Warn("record worker event failed", "event_type", eventType, "error", err)
	}
	if q.eventHook != nil {
		q.eventHook(*row)
	}
}

// CleanupAll purges terminal jobs and stale events past their retention
// windows.
func (q *Queue) CleanupAll(ctx context.Context, completedAfter, failedAfter, cancelledAfter, eventsAfter time.Duration) error {
	now := time.Now().UTC()
	return q.withRetry(ctx, "cleanup_all", func() error {
		return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Unscoped().Where("status = ? AND completed_at < ?", build.JobStatusCompleted, now.Add(-completedAfter)).Delete(&build.Job{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("status = ? AND completed_at < ?", build.JobStatusFailed, now.Add(-failedAfter)).Delete(&build.Job{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("status = ? AND completed_at < ?", build.JobStatusCancelled, now.Add(-cancelledAfter)).Delete(&build.Job{}).Error; err != nil {
				return err
			}
			return tx.Unscoped().Where("timestamp < ?", now.Add(-eventsAfter)).Delete(&build.WorkerEvent{}).Error
		})
	})
}

func terminalStatuses() []string {
	return []string{string(build.JobStatusCompleted), string(build.JobStatusFailed), string(build.JobStatusCancelled)}
}

// withRetry retries transient database-busy failures with the queue's
// retry policy; deadlock or integrity violations surface immediately.
func (q *Queue) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= q.retry.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isBusyErr(lastErr) {
			return lastErr
		}
		if attempt == q.retry.MaxAttempts {
			break
		}
		if q.log != nil {
			q.log.Warn("queue operation retrying after busy db", "op", op, "attempt", attempt, "error", lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.retry.Backoff(attempt)):
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
