// Package lifecycle is the session-level policy above the pool:
// whether to start workers at all, reuse of healthy ones across sessions,
// and which workers this session is responsible for stopping.
package lifecycle

import (
	"context"
	"time"

	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/pool"
	"github.com/yungbote/buildctl/internal/queue"
)

const stopTimeout = 15 * time.Second

type Manager struct {
	cfg   config.Config
	queue *queue.Queue
	pool  *pool.Manager
	log   *logger.Logger
}

func NewManager(cfg config.Config, q *queue.Queue, p *pool.Manager, log *logger.Logger) *Manager {
	return &Manager{cfg: cfg, queue: q, pool: p, log: log.With("component", "LifecycleManager")}
}

// ShouldStartWorkers consults auto_start and, with reuse enabled, whether
// enough healthy workers of every type already exist. Healthy counts come
// from the workers table, never from process memory, so two orchestrator
// processes cannot double-count.
func (m *Manager) ShouldStartWorkers(ctx context.Context) (bool, error) {
	if !m.cfg.AutoStartWorkers {
		return false, nil
	}
	if !m.cfg.ReuseWorkers {
		return true, nil
	}
	for _, wc := range m.cfg.Workers {
		healthy, err := m.queue.CountHealthyWorkers(ctx, string(wc.Type), queue.StaleHeartbeat)
		if err != nil {
			return false, err
		}
		if healthy < wc.Count {
			return true, nil
		}
	}
	m.log.Info("sufficient healthy workers already running, skipping start")
	return false, nil
}

// StartManagedWorkers starts the configured roster, or with reuse enabled
// only the per-type deficit beyond the already-healthy count.
func (m *Manager) StartManagedWorkers(ctx context.Context) (*pool.StartResult, error) {
	roster := m.cfg.Workers
	if m.cfg.ReuseWorkers {
		deficit := make([]config.WorkerConfig, 0, len(roster))
		for _, wc := range roster {
			healthy, err := m.queue.CountHealthyWorkers(ctx, string(wc.Type), queue.StaleHeartbeat)
			if err != nil {
				return nil, err
			}
			if healthy >= wc.Count {
				m.log.Info("reusing healthy workers",
					"worker_type", wc.Type, "healthy", healthy, "wanted", wc.Count)
				continue
			}
			short := wc
			short.Count = wc.Count - healthy
			deficit = append(deficit, short)
		}
		roster = deficit
	}
	if len(roster) == 0 {
		return &pool.StartResult{}, nil
	}
	return m.pool.Start(ctx, roster)
}

// StopManagedWorkers stops only the workers this session started,
// honoring auto_stop.
func (m *Manager) StopManagedWorkers(ctx context.Context) {
	if !m.cfg.AutoStopWorkers {
		m.log.Info("auto-stop disabled, leaving workers running")
		return
	}
	m.pool.Stop(ctx, stopTimeout)
}

// StartPersistentWorkers is the entry point for a long-lived standalone
// worker service that outlives any single build: reuse policy does not
// apply, the full roster starts.
func (m *Manager) StartPersistentWorkers(ctx context.Context) (*pool.StartResult, error) {
	return m.pool.Start(ctx, m.cfg.Workers)
}

// StopPersistentWorkers stops a persistent service's pool regardless of
// auto_stop.
func (m *Manager) StopPersistentWorkers(ctx context.Context) {
	m.pool.Stop(ctx, stopTimeout)
}
