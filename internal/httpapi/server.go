// Package httpapi serves the localhost status API: /healthz, /status,
// /workers, and /events, all read-only views of the Job DB. Containerized
// workers are handed its URL in BUILDCTL_API_URL; neither the CLI commands
// nor the worker loop query it. It is deliberately not a dashboard.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yungbote/buildctl/internal/platform/apierr"
	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/queue"
)

type Server struct {
	queue *queue.Queue
	log   *logger.Logger

	httpSrv *http.Server
}

func NewServer(q *queue.Queue, log *logger.Logger) *Server {
	return &Server{queue: q, log: log.With("component", "HTTPAPI")}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("buildctl-api"))

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
		},
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	router.GET("/healthz", s.healthz)
	router.GET("/status", s.status)
	router.GET("/workers", s.workers)
	router.GET("/events", s.events)
	return router
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	counts, err := s.queue.CountJobsByStatus(c.Request.Context())
	if err != nil {
		s.fail(c, apierr.New(http.StatusInternalServerError, "job_counts_failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": counts})
}

func (s *Server) workers(c *gin.Context) {
	rows, err := s.queue.ListWorkers(c.Request.Context())
	if err != nil {
		s.fail(c, apierr.New(http.StatusInternalServerError, "list_workers_failed", err))
		return
	}
	type workerView struct {
		ID            string     `json:"id"`
		WorkerType    string     `json:"worker_type"`
		Status        string     `json:"status"`
		LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
		JobsProcessed int        `json:"jobs_processed"`
		JobsFailed    int        `json:"jobs_failed"`
		ExecutionMode string     `json:"execution_mode,omitempty"`
	}
	out := make([]workerView, 0, len(rows))
	for _, w := range rows {
		out = append(out, workerView{
			ID:            w.ID.String(),
			WorkerType:    w.WorkerType,
			Status:        w.Status,
			LastHeartbeat: w.LastHeartbeat,
			JobsProcessed: w.JobsProcessed,
			JobsFailed:    w.JobsFailed,
			ExecutionMode: w.ExecutionMode,
		})
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

func (s *Server) events(c *gin.Context) {
	rows, err := s.queue.ListEvents(c.Request.Context(), 100)
	if err != nil {
		s.fail(c, apierr.New(http.StatusInternalServerError, "list_events_failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

func (s *Server) fail(c *gin.Context, e *apierr.Error) {
	s.log.Warn("api request failed", "code", e.Code, "error", e)
	c.JSON(e.Status, gin.H{"error": e.Code})
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router()}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn("api server exited", "error", err)
		}
	}()
	s.log.Info("status api listening", "addr", addr)
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
}
