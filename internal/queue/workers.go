package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/buildctl/internal/domain/build"
)

// StaleHeartbeat is the default freshness threshold: a worker whose last
// heartbeat is older than this is not counted as available.
const StaleHeartbeat = 30 * time.Second

// RegisterWorker inserts a worker row. Workers call this on startup with
// status=idle and an immediate heartbeat. A row registered with
// status=created counts as waiting to activate (CountCreatedWorkers); the
// pool manager does not pre-register rows.
func (q *Queue) RegisterWorker(ctx context.Context, id uuid.UUID, workerType, executorID string, status build.WorkerStatus, executionMode string) error {
	now := time.Now().UTC()
	hb := now
	row := &build.Worker{
		ID:            id,
		WorkerType:    workerType,
		ExecutorID:    executorID,
		Status:        string(status),
		LastHeartbeat: &hb,
		StartedAt:     now,
		ExecutionMode: executionMode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return q.withRetry(ctx, "register_worker", func() error {
		return q.db.WithContext(ctx).Create(row).Error
	})
}

// Heartbeat is owned by the worker itself; a stale heartbeat is evidence,
// not proof, of death.
func (q *Queue) Heartbeat(ctx context.Context, workerID uuid.UUID) error {
	now := time.Now().UTC()
	return q.withRetry(ctx, "heartbeat", func() error {
		return q.db.WithContext(ctx).Model(&build.Worker{}).
			Where("id = ?", workerID).
			Updates(map[string]interface{}{"last_heartbeat": now, "updated_at": now}).Error
	})
}

// UpdateWorkerStatus transitions a worker row.
func (q *Queue) UpdateWorkerStatus(ctx context.Context, workerID uuid.UUID, status build.WorkerStatus) error {
	now := time.Now().UTC()
	return q.withRetry(ctx, "update_worker_status", func() error {
		return q.db.WithContext(ctx).Model(&build.Worker{}).
			Where("id = ?", workerID).
			Updates(map[string]interface{}{"status": string(status), "updated_at": now}).Error
	})
}

// IncrementWorkerCounters bumps jobs_processed / jobs_failed after a job
// reaches a terminal state on this worker.
func (q *Queue) IncrementWorkerCounters(ctx context.Context, workerID uuid.UUID, failed bool) error {
	col := "jobs_processed"
	if failed {
		col = "jobs_failed"
	}
	return q.withRetry(ctx, "increment_worker_counters", func() error {
		return q.db.WithContext(ctx).Model(&build.Worker{}).
			Where("id = ?", workerID).
			UpdateColumn(col, gorm.Expr(col+" + 1")).Error
	})
}

// GetWorker loads a single worker row, nil if absent.
func (q *Queue) GetWorker(ctx context.Context, workerID uuid.UUID) (*build.Worker, error) {
	var row build.Worker
	err := q.db.WithContext(ctx).Where("id = ?", workerID).Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetWorkerByExecutorID resolves the row the child self-registered during
// pool startup; (executor_id) is unique.
func (q *Queue) GetWorkerByExecutorID(ctx context.Context, executorID string) (*build.Worker, error) {
	var row build.Worker
	err := q.db.WithContext(ctx).Where("executor_id = ?", executorID).Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListWorkers returns all non-deleted worker rows, optionally filtered to
// the given statuses.
func (q *Queue) ListWorkers(ctx context.Context, statuses ...build.WorkerStatus) ([]build.Worker, error) {
	var rows []build.Worker
	tx := q.db.WithContext(ctx).Order("started_at ASC")
	if len(statuses) > 0 {
		vals := make([]string, 0, len(statuses))
		for _, s := range statuses {
			vals = append(vals, string(s))
		}
		tx = tx.Where("status IN ?", vals)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountHealthyWorkers computes the healthy count server-side so two
// orchestrator processes cannot double-count: healthy means status in
// {idle, busy} with a heartbeat fresher than the stale threshold.
func (q *Queue) CountHealthyWorkers(ctx context.Context, workerType string, stale time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-stale)
	var count int64
	err := q.withRetry(ctx, "count_healthy_workers", func() error {
		return q.db.WithContext(ctx).Model(&build.Worker{}).
			Where("worker_type = ? AND status IN ? AND last_heartbeat > ?",
				workerType,
				[]string{string(build.WorkerStatusIdle), string(build.WorkerStatusBusy)},
				cutoff).
			Count(&count).Error
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// CountCreatedWorkers counts pre-registered workers still waiting to
// activate; the backend's availability gate waits on these.
func (q *Queue) CountCreatedWorkers(ctx context.Context, workerType string) (int, error) {
	var count int64
	err := q.withRetry(ctx, "count_created_workers", func() error {
		return q.db.WithContext(ctx).Model(&build.Worker{}).
			Where("worker_type = ? AND status = ?", workerType, build.WorkerStatusCreated).
			Count(&count).Error
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// PurgeWorker hard-deletes a worker row. Only valid once nothing references
// it; used by cleanup of stale rows whose runtime is no longer observable.
func (q *Queue) PurgeWorker(ctx context.Context, workerID uuid.UUID) error {
	return q.withRetry(ctx, "purge_worker", func() error {
		return q.db.WithContext(ctx).Unscoped().Where("id = ?", workerID).Delete(&build.Worker{}).Error
	})
}
