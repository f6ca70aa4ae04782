// Package executor abstracts how a worker's runtime is started, observed,
// and stopped. Callers depend only on the Executor interface; the
// pool manager injects one of the two variants.
package executor

import (
	"context"

	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
)

// Stats is a point-in-time resource snapshot of a worker runtime, used for
// hang detection (CPU below threshold while busy = hung).
type Stats struct {
	CPUPercent float64
	MemoryMB   float64
	Alive      bool
}

// Executor starts, observes, and stops worker runtimes. IsWorkerRunning
// must be externally observable: a different orchestrator instance must be
// able to check a worker started by a previous session.
type Executor interface {
	// StartWorker launches a runtime for the given type and roster index.
	// Returns the executor id the runtime is addressable by, or "" on
	// failure.
	StartWorker(ctx context.Context, workerType build.JobType, index int, wc config.WorkerConfig) (string, error)

	// StopWorker terminates the runtime. Returns false if it was not found.
	StopWorker(ctx context.Context, executorID string) bool

	// IsWorkerRunning inspects the OS or container runtime, not in-process
	// state.
	IsWorkerRunning(ctx context.Context, executorID string) bool

	// GetWorkerStats returns nil when the runtime is not observable.
	GetWorkerStats(ctx context.Context, executorID string) *Stats

	// Cleanup stops all runtimes this executor instance started.
	Cleanup(ctx context.Context)

	// GetContainerLogs returns tailed output for diagnostics; non-container
	// variants return "".
	GetContainerLogs(ctx context.Context, executorID string, tail int) string
}

// Env var names of the worker-to-orchestrator environment contract.
const (
	EnvWorkerType     = "WORKER_TYPE"
	EnvWorkerID       = "WORKER_ID"
	EnvExecutorID     = "WORKER_EXECUTOR_ID"
	EnvJobDB          = "BUILDCTL_JOB_DB"
	EnvCacheDB        = "BUILDCTL_CACHE_DB"
	EnvWorkspace      = "BUILDCTL_WORKSPACE"
	EnvDataDir        = "BUILDCTL_DATA_DIR"
	EnvHostWorkspace  = "BUILDCTL_HOST_WORKSPACE"
	EnvHostDataDir    = "BUILDCTL_HOST_DATA_DIR"
	EnvLogLevel       = "LOG_LEVEL"
	EnvPlantUMLJar    = "PLANTUML_JAR"
	EnvDrawioBinary   = "DRAWIO_EXECUTABLE"
	EnvJupyterCmd     = "BUILDCTL_JUPYTER_CMD"
	EnvAPIURL         = "BUILDCTL_API_URL"
)
