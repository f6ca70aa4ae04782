// Package build holds the data model shared by the job queue, the result
// cache, and every component that reads or writes rows in the Job DB and
// Cache DB.
package build

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobType string

const (
	JobTypeNotebook JobType = "notebook"
	JobTypePlantUML JobType = "plantuml"
	JobTypeDrawio   JobType = "drawio"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Job is a single unit of work claimable by exactly one worker.
type Job struct {
	ID            uuid.UUID      `gorm:"type:text;primaryKey" json:"id"`
	JobType       string         `gorm:"column:job_type;not null;index:idx_jobs_claim" json:"job_type"`
	InputFile     string         `gorm:"column:input_file;not null;index:idx_jobs_input_file" json:"input_file"`
	OutputFile    string         `gorm:"column:output_file;not null" json:"output_file"`
	ContentHash   string         `gorm:"column:content_hash;not null" json:"content_hash"`
	Payload       datatypes.JSON `gorm:"column:payload_blob" json:"payload"`
	Status        string         `gorm:"column:status;not null;index:idx_jobs_claim" json:"status"`
	WorkerID      *uuid.UUID     `gorm:"type:text;column:worker_id" json:"worker_id,omitempty"`
	CorrelationID string         `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;index:idx_jobs_claim" json:"created_at"`
	StartedAt     *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Error         string         `gorm:"column:error" json:"error,omitempty"`
	Result        datatypes.JSON `gorm:"column:result_blob" json:"result,omitempty"`
	CancelledBy   string         `gorm:"column:cancelled_by" json:"cancelled_by,omitempty"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Job) TableName() string { return "jobs" }

type WorkerStatus string

const (
	WorkerStatusCreated WorkerStatus = "created"
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusHung    WorkerStatus = "hung"
	WorkerStatusDead    WorkerStatus = "dead"
)

// Worker is a registered runtime available to claim jobs.
type Worker struct {
	ID            uuid.UUID      `gorm:"type:text;primaryKey" json:"id"`
	WorkerType    string         `gorm:"column:worker_type;not null;index" json:"worker_type"`
	ExecutorID    string         `gorm:"column:executor_id;uniqueIndex" json:"executor_id"`
	Status        string         `gorm:"column:status;not null;index" json:"status"`
	LastHeartbeat *time.Time     `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	StartedAt     time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	JobsProcessed int            `gorm:"column:jobs_processed;not null;default:0" json:"jobs_processed"`
	JobsFailed    int            `gorm:"column:jobs_failed;not null;default:0" json:"jobs_failed"`
	ExecutionMode string         `gorm:"column:execution_mode" json:"execution_mode,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Worker) TableName() string { return "workers" }

// JobCacheEntry records "we successfully produced this output during some
// prior session", a cheap short-circuit distinct from the authoritative
// Result Cache.
type JobCacheEntry struct {
	OutputFile  string         `gorm:"column:output_file;primaryKey" json:"output_file"`
	ContentHash string         `gorm:"column:content_hash;primaryKey" json:"content_hash"`
	Metadata    datatypes.JSON `gorm:"column:metadata_blob" json:"metadata,omitempty"`
	StoredAt    time.Time      `gorm:"column:stored_at;not null" json:"stored_at"`
}

func (JobCacheEntry) TableName() string { return "job_cache" }

type WorkerEventType string

const (
	EventPoolStarting  WorkerEventType = "pool_starting"
	EventPoolStarted   WorkerEventType = "pool_started"
	EventPoolStopping  WorkerEventType = "pool_stopping"
	EventPoolStopped   WorkerEventType = "pool_stopped"
	EventWorkerStarted WorkerEventType = "worker_started"
	EventWorkerStopped WorkerEventType = "worker_stopped"
	EventWorkerFailed  WorkerEventType = "worker_failed"
)

// WorkerEvent is an append-only audit record of lifecycle transitions.
// Observability and diagnostics only; never on the critical path.
type WorkerEvent struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp time.Time      `gorm:"column:timestamp;not null;index" json:"timestamp"`
	EventType string         `gorm:"column:event_type;not null" json:"event_type"`
	WorkerID  *uuid.UUID     `gorm:"type:text;column:worker_id;index" json:"worker_id,omitempty"`
	Detail    datatypes.JSON `gorm:"column:detail_blob" json:"detail,omitempty"`
}

func (WorkerEvent) TableName() string { return "worker_events" }
