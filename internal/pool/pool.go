// Package pool starts and supervises worker runtimes: parallel
// bounded startup, heartbeat-based health classification, and bounded-time
// shutdown.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/executor"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/queue"
)

const (
	// startConcurrency bounds simultaneous starts so a large roster does
	// not thundering-herd the database or the container runtime.
	startConcurrency = 10

	registrationTimeout = 30 * time.Second
	monitorInterval     = 10 * time.Second
	staleThreshold      = queue.StaleHeartbeat
	hungCPUThreshold    = 1.0 // percent
)

// WorkerRef bundles the executor handle with the DB row the child
// self-registered.
type WorkerRef struct {
	WorkerID   uuid.UUID
	WorkerType build.JobType
	ExecutorID string
}

// StartResult reports the partially-failable startup phase.
type StartResult struct {
	Started  []WorkerRef
	Failures []error
}

type Manager struct {
	queue *queue.Queue
	exec  executor.Executor
	log   *logger.Logger

	mu      sync.Mutex
	started []WorkerRef

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

func NewManager(q *queue.Queue, exec executor.Executor, log *logger.Logger) *Manager {
	return &Manager{
		queue: q,
		exec:  exec,
		log:   log.With("component", "PoolManager"),
	}
}

// Start launches count workers for each roster entry in parallel and begins
// health monitoring. Startup is allowed to partially fail; the result
// carries both the started refs and the per-worker failures.
func (m *Manager) Start(ctx context.Context, workers []config.WorkerConfig) (*StartResult, error) {
	m.queue.RecordEvent(ctx, build.EventPoolStarting, nil, map[string]interface{}{"configs": len(workers)})

	if err := m.CleanupStaleWorkers(ctx); err != nil {
		m.log.Warn("stale worker cleanup failed", "error", err)
	}

	res := &StartResult{}
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(startConcurrency)
	for _, wc := range workers {
		for i := 0; i < wc.Count; i++ {
			wc, i := wc, i
			g.Go(func() error {
				ref, err := m.startOne(gctx, wc, i)
				resMu.Lock()
				defer resMu.Unlock()
				if err != nil {
					res.Failures = append(res.Failures, err)
					// Partial failure is reported, not propagated: the
					// remaining workers still start.
					return nil
				}
				res.Started = append(res.Started, *ref)
				return nil
			})
		}
	}
	_ = g.Wait()

	m.mu.Lock()
	m.started = append(m.started, res.Started...)
	m.mu.Unlock()

	m.startMonitor()

	m.queue.RecordEvent(ctx, build.EventPoolStarted, nil, map[string]interface{}{
		"started": len(res.Started), "failed": len(res.Failures),
	})
	m.log.Info("worker pool started", "started", len(res.Started), "failed", len(res.Failures))
	return res, nil
}

func (m *Manager) startOne(ctx context.Context, wc config.WorkerConfig, index int) (*WorkerRef, error) {
	executorID, err := m.exec.StartWorker(ctx, wc.Type, index, wc)
	if err != nil {
		m.queue.RecordEvent(ctx, build.EventWorkerFailed, nil, map[string]interface{}{
			"worker_type": wc.Type, "index": index, "error": err.Error(),
		})
		return nil, fmt.Errorf("start %s worker %d: %w", wc.Type, index, err)
	}

	// The child self-registers its DB row; wait for it to appear.
	deadline := time.Now().Add(registrationTimeout)
	for time.Now().Before(deadline) {
		row, err := m.queue.GetWorkerByExecutorID(ctx, executorID)
		if err == nil && row != nil {
			return &WorkerRef{WorkerID: row.ID, WorkerType: wc.Type, ExecutorID: executorID}, nil
		}
		select {
		case <-ctx.Done():
			m.exec.StopWorker(ctx, executorID)
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	m.exec.StopWorker(ctx, executorID)
	m.queue.RecordEvent(ctx, build.EventWorkerFailed, nil, map[string]interface{}{
		"worker_type": wc.Type, "index": index, "error": "registration timeout",
	})
	return nil, fmt.Errorf("start %s worker %d: did not register within %s", wc.Type, index, registrationTimeout)
}

// CleanupStaleWorkers purges worker rows whose runtime is no longer
// observable.
func (m *Manager) CleanupStaleWorkers(ctx context.Context) error {
	rows, err := m.queue.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, w := range rows {
		if w.Status == string(build.WorkerStatusDead) {
			continue
		}
		if m.exec.IsWorkerRunning(ctx, w.ExecutorID) {
			continue
		}
		m.log.Info("purging stale worker row", "worker_id", w.ID, "executor_id", w.ExecutorID)
		if err := m.queue.PurgeWorker(ctx, w.ID); err != nil {
			m.log.Warn("purge stale worker failed", "worker_id", w.ID, "error", err)
		}
	}
	return nil
}

func (m *Manager) startMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})
	go m.monitor(ctx, m.monitorDone)
}

// monitor is the background health check: every interval, any
// idle/busy worker whose heartbeat is stale gets its runtime inspected.
// Not running means dead; running but near-zero CPU while busy means hung.
// Transient check errors leave status unchanged.
func (m *Manager) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *Manager) checkOnce(ctx context.Context) {
	rows, err := m.queue.ListWorkers(ctx, build.WorkerStatusIdle, build.WorkerStatusBusy)
	if err != nil {
		m.log.Warn("health monitor list failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, w := range rows {
		if w.LastHeartbeat != nil && now.Sub(*w.LastHeartbeat) <= staleThreshold {
			continue
		}

		if !m.exec.IsWorkerRunning(ctx, w.ExecutorID) {
			m.log.Warn("worker runtime gone, marking dead",
				"worker_id", w.ID, "executor_id", w.ExecutorID)
			if err := m.queue.UpdateWorkerStatus(ctx, w.ID, build.WorkerStatusDead); err != nil {
				m.log.Warn("mark dead failed", "worker_id", w.ID, "error", err)
				continue
			}
			m.queue.RecordEvent(ctx, build.EventWorkerFailed, &w.ID, map[string]interface{}{
				"reason": "heartbeat stale, runtime not observable",
			})
			continue
		}

		if w.Status == string(build.WorkerStatusBusy) {
			stats := m.exec.GetWorkerStats(ctx, w.ExecutorID)
			if stats == nil {
				// Transient: the runtime answered the liveness probe but
				// not the stats one; retry next cycle.
				continue
			}
			if stats.CPUPercent < hungCPUThreshold {
				m.log.Warn("busy worker idle-spinning, marking hung",
					"worker_id", w.ID, "cpu_percent", stats.CPUPercent)
				if err := m.queue.UpdateWorkerStatus(ctx, w.ID, build.WorkerStatusHung); err != nil {
					m.log.Warn("mark hung failed", "worker_id", w.ID, "error", err)
				}
			}
		}
	}
}

// Stop signals all pool-started workers, waits a bounded time, force-stops
// the stragglers, marks rows dead, and joins the monitor.
func (m *Manager) Stop(ctx context.Context, timeout time.Duration) {
	m.queue.RecordEvent(ctx, build.EventPoolStopping, nil, nil)

	m.mu.Lock()
	started := make([]WorkerRef, len(m.started))
	copy(started, m.started)
	cancel := m.monitorCancel
	done := m.monitorDone
	m.monitorCancel = nil
	m.monitorDone = nil
	m.started = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ref := range started {
		ref := ref
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.exec.StopWorker(ctx, ref.ExecutorID)
			_ = m.queue.UpdateWorkerStatus(ctx, ref.WorkerID, build.WorkerStatusDead)
		}()
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(timeout):
		m.log.Warn("worker stop timed out, continuing shutdown")
	}

	m.exec.Cleanup(ctx)

	if cancel != nil {
		cancel()
		<-done
	}

	m.queue.RecordEvent(ctx, build.EventPoolStopped, nil, map[string]interface{}{"stopped": len(started)})
	m.log.Info("worker pool stopped", "stopped", len(started))
}

// Started lists the workers this pool instance launched.
func (m *Manager) Started() []WorkerRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerRef, len(m.started))
	copy(out, m.started)
	return out
}
