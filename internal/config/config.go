// Package config is the explicit configuration record threaded through
// constructors; nothing here is a global. Values come from the environment,
// with the worker roster optionally read from a YAML file.
package config

import (
	"path/filepath"
	"time"

	"github.com/yungbote/buildctl/internal/platform/envutil"
	"github.com/yungbote/buildctl/internal/platform/logger"
)

// BackendKind selects which Backend implementation drives job execution.
type BackendKind string

const (
	BackendQueue    BackendKind = "queue"
	BackendTemporal BackendKind = "temporal"
)

// Config is the session-level configuration record.
type Config struct {
	// Durable store locations.
	JobDBPath   string
	CacheDBPath string

	// Output tree root and optional read-only source tree.
	WorkspaceDir string
	DataDir      string

	// Worker lifecycle policy.
	AutoStartWorkers bool
	AutoStopWorkers  bool
	ReuseWorkers     bool

	// Backend knobs.
	Backend            BackendKind
	PollInterval       time.Duration
	CompletionDeadline time.Duration
	ActivationWait     time.Duration
	ReadFromCache      bool
	Incremental        bool
	ResultRetainCount  int

	// Retention windows for cleanup_all.
	CompletedJobRetention time.Duration
	FailedJobRetention    time.Duration
	CancelledJobRetention time.Duration
	EventRetention        time.Duration
	IssueRetentionDays    int

	// Tool locations handed to workers.
	PlantUMLJar  string
	DrawioBinary string
	JupyterCmd   string

	// Per-worker log directory (managed executor).
	WorkerLogDir string

	LogLevel string

	// HTTP status API bind address, empty disables it.
	APIAddr string

	Workers []WorkerConfig
}

// Load reads the configuration from the environment. The worker roster comes
// from BUILDCTL_WORKERS_FILE when set, else a default of one managed worker
// per job type.
func Load(log *logger.Logger) (Config, error) {
	cfg := Config{
		JobDBPath:   envutil.String("BUILDCTL_JOB_DB", defaultStatePath("jobs.db"), log),
		CacheDBPath: envutil.String("BUILDCTL_CACHE_DB", defaultStatePath("cache.db"), log),

		WorkspaceDir: envutil.String("BUILDCTL_WORKSPACE", ".", log),
		DataDir:      envutil.String("BUILDCTL_DATA_DIR", "", log),

		AutoStartWorkers: envutil.Bool("BUILDCTL_AUTO_START_WORKERS", true, log),
		AutoStopWorkers:  envutil.Bool("BUILDCTL_AUTO_STOP_WORKERS", true, log),
		ReuseWorkers:     envutil.Bool("BUILDCTL_REUSE_WORKERS", true, log),

		Backend:            BackendKind(envutil.String("BUILDCTL_BACKEND", string(BackendQueue), log)),
		PollInterval:       envutil.Duration("BUILDCTL_POLL_INTERVAL", 500*time.Millisecond, log),
		CompletionDeadline: envutil.Duration("BUILDCTL_COMPLETION_DEADLINE", 20*time.Minute, log),
		ActivationWait:     envutil.Duration("BUILDCTL_ACTIVATION_WAIT", 30*time.Second, log),
		ReadFromCache:      envutil.Bool("BUILDCTL_READ_FROM_CACHE", true, log),
		Incremental:        envutil.Bool("BUILDCTL_INCREMENTAL", false, log),
		ResultRetainCount:  envutil.Int("BUILDCTL_RESULT_RETAIN_COUNT", 5, log),

		CompletedJobRetention: envutil.Duration("BUILDCTL_COMPLETED_RETENTION", 7*24*time.Hour, log),
		FailedJobRetention:    envutil.Duration("BUILDCTL_FAILED_RETENTION", 14*24*time.Hour, log),
		CancelledJobRetention: envutil.Duration("BUILDCTL_CANCELLED_RETENTION", 2*24*time.Hour, log),
		EventRetention:        envutil.Duration("BUILDCTL_EVENT_RETENTION", 14*24*time.Hour, log),
		IssueRetentionDays:    envutil.Int("BUILDCTL_ISSUE_RETENTION_DAYS", 30, log),

		PlantUMLJar:  envutil.String("PLANTUML_JAR", "", log),
		DrawioBinary: envutil.String("DRAWIO_EXECUTABLE", "", log),
		JupyterCmd:   envutil.String("BUILDCTL_JUPYTER_CMD", "", log),

		WorkerLogDir: envutil.String("BUILDCTL_WORKER_LOG_DIR", defaultStatePath("logs"), log),

		LogLevel: envutil.String("LOG_LEVEL", "info", log),

		APIAddr: envutil.String("BUILDCTL_API_ADDR", "", log),
	}

	workersFile := envutil.String("BUILDCTL_WORKERS_FILE", "", log)
	if workersFile != "" {
		workers, err := LoadWorkersFile(workersFile)
		if err != nil {
			return cfg, err
		}
		cfg.Workers = workers
	} else {
		cfg.Workers = DefaultWorkers()
	}
	return cfg, nil
}

func defaultStatePath(name string) string {
	return filepath.Join(".buildctl", name)
}
