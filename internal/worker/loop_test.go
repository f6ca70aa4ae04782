package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/testutil"
)

// echoHandler returns the payload's source text as the produced bytes,
// optionally with a warning; failing variants exercise the error paths.
type echoHandler struct {
	jobType build.JobType
	fail    error
	warn    bool
	slow    time.Duration
}

func (h *echoHandler) Type() build.JobType { return h.jobType }

func (h *echoHandler) Run(jc *Context) (*build.HandlerResult, error) {
	if h.slow > 0 {
		select {
		case <-jc.Ctx.Done():
			return nil, jc.Ctx.Err()
		case <-time.After(h.slow):
		}
		if jc.Cancelled() {
			return nil, buildtax.ErrJobCancelled
		}
	}
	if h.fail != nil {
		return nil, h.fail
	}
	p, err := jc.DecodeImagePayload()
	if err != nil {
		return nil, err
	}
	res := &build.HandlerResult{Bytes: []byte(p.SourceText)}
	if h.warn {
		res.Warnings = append(res.Warnings, build.Warning{Category: "test", Message: "heads up"})
	}
	return res, nil
}

type loopFixture struct {
	queue  *queue.Queue
	loop   *Loop
	cancel context.CancelFunc
	done   chan struct{}
	outDir string
}

func startLoop(t *testing.T, h Handler) *loopFixture {
	t.Helper()
	log := testutil.Logger(t)
	q := queue.New(testutil.JobDB(t), log)

	registry := NewRegistry()
	if err := registry.Register(h); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	loop := NewLoop(q, nil, registry, h.Type(), "exec-test", Tools{}, Options{
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		MaxJobTime:        5 * time.Second,
		ExecutionMode:     "managed",
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := loop.Run(ctx); err != nil {
			t.Errorf("loop exited with error: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &loopFixture{queue: q, loop: loop, cancel: cancel, done: done, outDir: t.TempDir()}
}

func (f *loopFixture) submit(t *testing.T, jobType build.JobType, inputFile, text string) (id, out string) {
	t.Helper()
	out = filepath.Join(f.outDir, filepath.Base(inputFile)+".out")
	jid, err := f.queue.AddJob(context.Background(), jobType, inputFile, out, "hash-1",
		&build.ImagePayload{SourceText: text, InputFilePath: inputFile, Format: "png"}, "corr-1")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	return jid.String(), out
}

func (f *loopFixture) waitTerminal(t *testing.T, idStr string) *build.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := f.queue.ListJobs(context.Background(), nil, 0)
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		for i := range jobs {
			j := &jobs[i]
			if j.ID.String() != idStr {
				continue
			}
			switch build.JobStatus(j.Status) {
			case build.JobStatusCompleted, build.JobStatusFailed, build.JobStatusCancelled:
				return j
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", idStr)
	return nil
}

func TestLoopProcessesJobEndToEnd(t *testing.T) {
	f := startLoop(t, &echoHandler{jobType: build.JobTypePlantUML, warn: true})

	id, out := f.submit(t, build.JobTypePlantUML, "d.puml", "@startuml")
	job := f.waitTerminal(t, id)

	if job.Status != string(build.JobStatusCompleted) {
		t.Fatalf("status %s, error %s", job.Status, job.Error)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "@startuml" {
		t.Fatalf("output wrong: %v %q", err, data)
	}

	// Warnings travel in the result blob.
	var wrapper struct {
		Warnings []build.Warning `json:"warnings"`
	}
	if err := json.Unmarshal(job.Result, &wrapper); err != nil || len(wrapper.Warnings) != 1 {
		t.Fatalf("result blob: %v %s", err, job.Result)
	}

	// Session cache entry recorded for the produced output.
	ok, err := f.queue.CheckCache(context.Background(), out, "hash-1")
	if err != nil || !ok {
		t.Fatalf("job cache entry missing: %v", err)
	}

	// Worker counters updated.
	w, err := f.queue.GetWorker(context.Background(), f.loop.ID())
	if err != nil || w == nil || w.JobsProcessed != 1 {
		t.Fatalf("worker counters: %+v err=%v", w, err)
	}
}

func TestLoopRecordsFailureAsStructuredError(t *testing.T) {
	f := startLoop(t, &echoHandler{
		jobType: build.JobTypePlantUML,
		fail:    &buildtax.PermanentError{Cause: os.ErrNotExist},
	})

	id, out := f.submit(t, build.JobTypePlantUML, "d.puml", "@startuml")
	job := f.waitTerminal(t, id)

	if job.Status != string(build.JobStatusFailed) {
		t.Fatalf("status %s", job.Status)
	}
	var info struct {
		ErrorClass   string `json:"error_class"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal([]byte(job.Error), &info); err != nil {
		t.Fatalf("error column not structured: %q", job.Error)
	}
	if info.ErrorClass != "PermanentError" {
		t.Fatalf("error class %q", info.ErrorClass)
	}
	if _, err := os.Stat(out); err == nil {
		t.Fatal("failed job wrote an output file")
	}
	// Loop keeps running after a failure.
	id2, _ := f.submit(t, build.JobTypePlantUML, "e.puml", "@startuml")
	_ = f.waitTerminal(t, id2)
}

func TestLoopDiscardsCancelledJob(t *testing.T) {
	f := startLoop(t, &echoHandler{jobType: build.JobTypePlantUML, slow: 300 * time.Millisecond})

	id, out := f.submit(t, build.JobTypePlantUML, "d.puml", "@startuml")

	// Cancel while the handler sleeps.
	time.Sleep(100 * time.Millisecond)
	if _, err := f.queue.CancelJobsForFile(context.Background(), "d.puml", "watch_mode"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	job := f.waitTerminal(t, id)
	if job.Status != string(build.JobStatusCancelled) {
		t.Fatalf("status %s", job.Status)
	}
	time.Sleep(400 * time.Millisecond)
	if _, err := os.Stat(out); err == nil {
		t.Fatal("cancelled job produced an output file")
	}
}

func TestLoopMarksDeadOnShutdown(t *testing.T) {
	f := startLoop(t, &echoHandler{jobType: build.JobTypePlantUML})

	// Give registration a moment, then stop.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w, _ := f.queue.GetWorker(context.Background(), f.loop.ID()); w != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.cancel()
	<-f.done

	w, err := f.queue.GetWorker(context.Background(), f.loop.ID())
	if err != nil || w == nil {
		t.Fatalf("worker row gone: %v", err)
	}
	if w.Status != string(build.WorkerStatusDead) {
		t.Fatalf("worker not marked dead: %s", w.Status)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	h := &echoHandler{jobType: build.JobTypeDrawio}
	if err := r.Register(h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(h); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if _, ok := r.Get(build.JobTypeNotebook); ok {
		t.Fatal("lookup of unregistered type succeeded")
	}
}
