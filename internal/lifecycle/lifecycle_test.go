package lifecycle

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/testutil"
)

func newTestLifecycle(t *testing.T, cfg config.Config) (*Manager, *queue.Queue) {
	t.Helper()
	q := queue.New(testutil.JobDB(t), testutil.Logger(t))
	// The pool is only touched by the start/stop paths these tests avoid;
	// policy decisions read the workers table alone.
	return NewManager(cfg, q, nil, testutil.Logger(t)), q
}

func registerHealthy(t *testing.T, q *queue.Queue, workerType string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := q.RegisterWorker(context.Background(), uuid.New(), workerType,
			"exec-"+uuid.New().String()[:8], build.WorkerStatusIdle, "managed"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
}

func baseConfig() config.Config {
	return config.Config{
		AutoStartWorkers: true,
		AutoStopWorkers:  true,
		ReuseWorkers:     true,
		Workers: []config.WorkerConfig{
			{Type: build.JobTypeNotebook, Count: 2, ExecutionMode: config.ModeManaged},
			{Type: build.JobTypePlantUML, Count: 1, ExecutionMode: config.ModeManaged},
		},
	}
}

func TestAutoStartDisabledNeverStarts(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoStartWorkers = false
	m, _ := newTestLifecycle(t, cfg)

	should, err := m.ShouldStartWorkers(context.Background())
	if err != nil || should {
		t.Fatalf("should=%v err=%v", should, err)
	}
}

func TestReuseDisabledAlwaysStarts(t *testing.T) {
	cfg := baseConfig()
	cfg.ReuseWorkers = false
	m, q := newTestLifecycle(t, cfg)
	registerHealthy(t, q, "notebook", 5)
	registerHealthy(t, q, "plantuml", 5)

	should, err := m.ShouldStartWorkers(context.Background())
	if err != nil || !should {
		t.Fatalf("should=%v err=%v", should, err)
	}
}

func TestReuseSkipsStartWhenRosterIsCovered(t *testing.T) {
	m, q := newTestLifecycle(t, baseConfig())
	registerHealthy(t, q, "notebook", 2)
	registerHealthy(t, q, "plantuml", 1)

	should, err := m.ShouldStartWorkers(context.Background())
	if err != nil || should {
		t.Fatalf("should=%v err=%v", should, err)
	}
}

func TestReuseStartsWhenAnyTypeIsShort(t *testing.T) {
	m, q := newTestLifecycle(t, baseConfig())
	registerHealthy(t, q, "notebook", 2)
	// plantuml missing entirely.

	should, err := m.ShouldStartWorkers(context.Background())
	if err != nil || !should {
		t.Fatalf("should=%v err=%v", should, err)
	}
}

func TestDeadWorkersDoNotCountAsHealthy(t *testing.T) {
	m, q := newTestLifecycle(t, baseConfig())
	ctx := context.Background()

	registerHealthy(t, q, "notebook", 2)
	registerHealthy(t, q, "plantuml", 1)

	// Kill one notebook worker; the roster is no longer covered.
	rows, err := q.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var killed bool
	for _, w := range rows {
		if w.WorkerType == "notebook" {
			if err := q.UpdateWorkerStatus(ctx, w.ID, build.WorkerStatusDead); err != nil {
				t.Fatalf("mark dead: %v", err)
			}
			killed = true
			break
		}
	}
	if !killed {
		t.Fatal("no notebook worker found")
	}

	should, err := m.ShouldStartWorkers(ctx)
	if err != nil || !should {
		t.Fatalf("dead worker counted as healthy: should=%v err=%v", should, err)
	}
}
