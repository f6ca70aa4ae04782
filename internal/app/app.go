// Package app wires the orchestrator's components from configuration:
// stores, queue, cache, executor, pool, lifecycle, backend, and the status
// API. CLI commands construct an App and pick the pieces they need.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"github.com/yungbote/buildctl/internal/backend"
	"github.com/yungbote/buildctl/internal/backend/temporalbackend"
	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/events"
	"github.com/yungbote/buildctl/internal/executor"
	"github.com/yungbote/buildctl/internal/httpapi"
	"github.com/yungbote/buildctl/internal/lifecycle"
	"github.com/yungbote/buildctl/internal/observability"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/pool"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/report"
	"github.com/yungbote/buildctl/internal/resultcache"
	"github.com/yungbote/buildctl/internal/store/cachedb"
	"github.com/yungbote/buildctl/internal/store/jobdb"
	"github.com/yungbote/buildctl/internal/temporalx"
)

type App struct {
	Cfg     config.Config
	Log     *logger.Logger
	JobDB   *gorm.DB
	CacheDB *gorm.DB

	Queue     *queue.Queue
	Cache     *resultcache.Cache
	Executor  executor.Executor
	Pool      *pool.Manager
	Lifecycle *lifecycle.Manager
	Reporter  *report.Console
	Events    events.Bus
	API       *httpapi.Server

	otelShutdown func(context.Context) error
}

func New() (*App, error) {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load(log)
	if err != nil {
		return nil, err
	}

	for _, p := range []string{cfg.JobDBPath, cfg.CacheDBPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
	}

	jobDB, err := jobdb.Open(cfg.JobDBPath, log)
	if err != nil {
		return nil, err
	}
	cacheDB, err := cachedb.Open(cfg.CacheDBPath, log)
	if err != nil {
		return nil, err
	}

	q := queue.New(jobDB, log)
	cache := resultcache.New(cacheDB, log)

	bus, err := events.NewRedisBus(log)
	if err != nil {
		log.Warn("event bus unavailable, continuing without it", "error", err)
		bus = nil
	}
	if bus != nil {
		q.SetEventHook(func(ev build.WorkerEvent) {
			if err := bus.Publish(context.Background(), ev); err != nil {
				log.Debug("event publish failed", "error", err)
			}
		})
	}

	exec := executor.Executor(executor.NewManaged(cfg, log))
	for _, wc := range cfg.Workers {
		if wc.ExecutionMode == config.ModeContainer {
			exec = executor.NewContainer(cfg, apiURL(cfg), log)
			break
		}
	}

	p := pool.NewManager(q, exec, log)
	lc := lifecycle.NewManager(cfg, q, p, log)

	a := &App{
		Cfg:       cfg,
		Log:       log,
		JobDB:     jobDB,
		CacheDB:   cacheDB,
		Queue:     q,
		Cache:     cache,
		Executor:  exec,
		Pool:      p,
		Lifecycle: lc,
		Reporter:  report.NewConsole(os.Stdout),
		Events:    bus,
	}

	a.otelShutdown = observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "buildctl",
		Environment: os.Getenv("BUILDCTL_ENV"),
		Version:     Version,
	})

	if cfg.APIAddr != "" {
		a.API = httpapi.NewServer(q, log)
		if err := a.API.Start(cfg.APIAddr); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// NewBackend selects the Backend implementation per configuration.
func (a *App) NewBackend() (backend.Backend, error) {
	switch a.Cfg.Backend {
	case config.BackendTemporal:
		tc, err := temporalx.NewClient(a.Log)
		if err != nil {
			return nil, err
		}
		return temporalbackend.New(a.Cfg, a.Queue, a.Cache, a.Reporter, tc, a.Log)
	default:
		return backend.NewQueueBackend(a.Cfg, a.Queue, a.Cache, a.Reporter, a.Log), nil
	}
}

// TemporalClient dials Temporal per env config; nil when unconfigured.
func (a *App) TemporalClient() (temporalsdkclient.Client, error) {
	return temporalx.NewClient(a.Log)
}

func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.API != nil {
		a.API.Stop(ctx)
	}
	if a.Events != nil {
		_ = a.Events.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	a.Log.Sync()
}

func apiURL(cfg config.Config) string {
	if cfg.APIAddr == "" {
		return ""
	}
	// Containers reach the host's loopback through the docker bridge alias.
	i := strings.LastIndex(cfg.APIAddr, ":")
	if i < 0 {
		return ""
	}
	return "http://host.docker.internal:" + cfg.APIAddr[i+1:]
}
