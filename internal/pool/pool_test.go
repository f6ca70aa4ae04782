package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/executor"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/testutil"
)

// fakeExecutor simulates runtimes: StartWorker self-registers a worker row
// the way a real child process would, and liveness/stats are scripted.
type fakeExecutor struct {
	queue *queue.Queue

	mu         sync.Mutex
	running    map[string]bool
	cpu        map[string]float64
	failStart  bool
	noRegister bool
	stopped    []string
}

func newFakeExecutor(q *queue.Queue) *fakeExecutor {
	return &fakeExecutor{queue: q, running: map[string]bool{}, cpu: map[string]float64{}}
}

func (f *fakeExecutor) StartWorker(ctx context.Context, workerType build.JobType, index int, wc config.WorkerConfig) (string, error) {
	if f.failStart {
		return "", fmt.Errorf("simulated start failure")
	}
	executorID := fmt.Sprintf("fake-%s-%d-%s", workerType, index, uuid.New().String()[:8])
	f.mu.Lock()
	f.running[executorID] = true
	f.mu.Unlock()
	if !f.noRegister {
		go func() {
			_ = f.queue.RegisterWorker(context.Background(), uuid.New(), string(workerType), executorID, build.WorkerStatusIdle, "fake")
		}()
	}
	return executorID, nil
}

func (f *fakeExecutor) StopWorker(ctx context.Context, executorID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, executorID)
	alive := f.running[executorID]
	delete(f.running, executorID)
	return alive
}

func (f *fakeExecutor) IsWorkerRunning(ctx context.Context, executorID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[executorID]
}

func (f *fakeExecutor) GetWorkerStats(ctx context.Context, executorID string) *executor.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[executorID] {
		return nil
	}
	return &executor.Stats{CPUPercent: f.cpu[executorID], MemoryMB: 64, Alive: true}
}

func (f *fakeExecutor) Cleanup(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = map[string]bool{}
}

func (f *fakeExecutor) GetContainerLogs(ctx context.Context, executorID string, tail int) string {
	return ""
}

type poolFixture struct {
	m    *Manager
	q    *queue.Queue
	exec *fakeExecutor
	db   *gorm.DB
}

func newTestPool(t *testing.T) *poolFixture {
	t.Helper()
	db := testutil.JobDB(t)
	q := queue.New(db, testutil.Logger(t))
	exec := newFakeExecutor(q)
	f := &poolFixture{m: NewManager(q, exec, testutil.Logger(t)), q: q, exec: exec, db: db}
	t.Cleanup(func() { f.m.Stop(context.Background(), time.Second) })
	return f
}

func (f *poolFixture) ageHeartbeat(t *testing.T, workerID uuid.UUID) {
	t.Helper()
	old := time.Now().UTC().Add(-2 * staleThreshold)
	if err := f.db.Model(&build.Worker{}).Where("id = ?", workerID).
		Update("last_heartbeat", old).Error; err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}
}

func TestStartLaunchesConfiguredCounts(t *testing.T) {
	f := newTestPool(t)

	res, err := f.m.Start(context.Background(), []config.WorkerConfig{
		{Type: build.JobTypeNotebook, Count: 2, ExecutionMode: config.ModeManaged},
		{Type: build.JobTypePlantUML, Count: 1, ExecutionMode: config.ModeManaged},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(res.Started) != 3 || len(res.Failures) != 0 {
		t.Fatalf("started=%d failures=%d", len(res.Started), len(res.Failures))
	}

	n, err := f.q.CountHealthyWorkers(context.Background(), string(build.JobTypeNotebook), queue.StaleHeartbeat)
	if err != nil || n != 2 {
		t.Fatalf("healthy notebook workers = %d, err=%v", n, err)
	}
}

func TestStartReportsPartialFailures(t *testing.T) {
	f := newTestPool(t)
	f.exec.failStart = true

	res, err := f.m.Start(context.Background(), []config.WorkerConfig{
		{Type: build.JobTypeNotebook, Count: 2, ExecutionMode: config.ModeManaged},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(res.Started) != 0 || len(res.Failures) != 2 {
		t.Fatalf("started=%d failures=%d", len(res.Started), len(res.Failures))
	}
}

func TestMonitorMarksVanishedWorkerDeadAndJobIsReset(t *testing.T) {
	f := newTestPool(t)
	ctx := context.Background()

	res, err := f.m.Start(ctx, []config.WorkerConfig{
		{Type: build.JobTypeNotebook, Count: 1, ExecutionMode: config.ModeManaged},
	})
	if err != nil || len(res.Started) != 1 {
		t.Fatalf("start: %v %+v", err, res)
	}
	ref := res.Started[0]

	// The worker claims a job, then its runtime vanishes with a stale
	// heartbeat.
	id, err := f.q.AddJob(ctx, build.JobTypeNotebook, "s.ipynb", "/out/s.html", "h", nil, "corr")
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	if _, err := f.q.GetNextJob(ctx, string(build.JobTypeNotebook), ref.WorkerID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	f.exec.mu.Lock()
	f.exec.running[ref.ExecutorID] = false
	f.exec.mu.Unlock()
	f.ageHeartbeat(t, ref.WorkerID)

	f.m.checkOnce(ctx)

	w, err := f.q.GetWorker(ctx, ref.WorkerID)
	if err != nil || w == nil || w.Status != string(build.WorkerStatusDead) {
		t.Fatalf("worker not dead: %+v err=%v", w, err)
	}

	n, err := f.q.ResetHungJobs(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset: n=%d err=%v", n, err)
	}
	job, _ := f.q.GetJob(ctx, id)
	if job.Status != string(build.JobStatusPending) {
		t.Fatalf("job status %s", job.Status)
	}
}

func TestMonitorMarksIdleSpinningBusyWorkerHung(t *testing.T) {
	f := newTestPool(t)
	ctx := context.Background()

	res, err := f.m.Start(ctx, []config.WorkerConfig{
		{Type: build.JobTypeDrawio, Count: 1, ExecutionMode: config.ModeManaged},
	})
	if err != nil || len(res.Started) != 1 {
		t.Fatalf("start: %v", err)
	}
	ref := res.Started[0]

	if err := f.q.UpdateWorkerStatus(ctx, ref.WorkerID, build.WorkerStatusBusy); err != nil {
		t.Fatalf("busy: %v", err)
	}
	f.exec.mu.Lock()
	f.exec.cpu[ref.ExecutorID] = 0.1 // alive but doing nothing
	f.exec.mu.Unlock()
	f.ageHeartbeat(t, ref.WorkerID)

	f.m.checkOnce(ctx)

	w, _ := f.q.GetWorker(ctx, ref.WorkerID)
	if w.Status != string(build.WorkerStatusHung) {
		t.Fatalf("worker status %s, want hung", w.Status)
	}
}

func TestFreshHeartbeatIsLeftAlone(t *testing.T) {
	f := newTestPool(t)
	ctx := context.Background()

	res, err := f.m.Start(ctx, []config.WorkerConfig{
		{Type: build.JobTypeNotebook, Count: 1, ExecutionMode: config.ModeManaged},
	})
	if err != nil || len(res.Started) != 1 {
		t.Fatalf("start: %v", err)
	}
	ref := res.Started[0]

	// Runtime gone but heartbeat still fresh: evidence, not proof.
	f.exec.mu.Lock()
	f.exec.running[ref.ExecutorID] = false
	f.exec.mu.Unlock()

	f.m.checkOnce(ctx)

	w, _ := f.q.GetWorker(ctx, ref.WorkerID)
	if w.Status != string(build.WorkerStatusIdle) {
		t.Fatalf("fresh worker reclassified: %s", w.Status)
	}
}

func TestStopMarksRowsDead(t *testing.T) {
	f := newTestPool(t)
	ctx := context.Background()

	res, err := f.m.Start(ctx, []config.WorkerConfig{
		{Type: build.JobTypeNotebook, Count: 2, ExecutionMode: config.ModeManaged},
	})
	if err != nil || len(res.Started) != 2 {
		t.Fatalf("start: %v", err)
	}

	f.m.Stop(ctx, time.Second)

	for _, ref := range res.Started {
		w, _ := f.q.GetWorker(ctx, ref.WorkerID)
		if w == nil || w.Status != string(build.WorkerStatusDead) {
			t.Fatalf("worker %s not dead after stop: %+v", ref.WorkerID, w)
		}
	}
	if n, _ := f.q.CountHealthyWorkers(ctx, string(build.JobTypeNotebook), queue.StaleHeartbeat); n != 0 {
		t.Fatalf("healthy count after stop = %d", n)
	}
}

func TestCleanupStaleWorkersPurgesUnobservableRows(t *testing.T) {
	f := newTestPool(t)
	ctx := context.Background()

	ghost := uuid.New()
	if err := f.q.RegisterWorker(ctx, ghost, "notebook", "exec-ghost", build.WorkerStatusIdle, "fake"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.m.CleanupStaleWorkers(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	w, err := f.q.GetWorker(ctx, ghost)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w != nil {
		t.Fatalf("ghost row survived: %+v", w)
	}
}
