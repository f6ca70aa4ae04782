package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/queue"
	"github.com/yungbote/buildctl/internal/resultcache"
	"github.com/yungbote/buildctl/internal/testutil"
)

// recordingReporter captures everything the backend surfaces.
type recordingReporter struct {
	mu        sync.Mutex
	warnings  []build.Warning
	errors    []*buildtax.BuildError
	cacheHits []string
	processed map[string]bool
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{processed: map[string]bool{}}
}

func (r *recordingReporter) Info(string) {}
func (r *recordingReporter) Warning(w build.Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}
func (r *recordingReporter) Error(e *buildtax.BuildError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
}
func (r *recordingReporter) CacheHit(f string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheHits = append(r.cacheHits, f)
}
func (r *recordingReporter) FileProcessed(f string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[f] = ok
}

type fixture struct {
	backend *QueueBackend
	queue   *queue.Queue
	cache   *resultcache.Cache
	rep     *recordingReporter
	outDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testutil.Logger(t)
	q := queue.New(testutil.JobDB(t), log)
	cache := resultcache.New(testutil.CacheDB(t), log)
	rep := newRecordingReporter()
	cfg := config.Config{
		PollInterval:       20 * time.Millisecond,
		CompletionDeadline: 10 * time.Second,
		ActivationWait:     200 * time.Millisecond,
		ReadFromCache:      true,
		ResultRetainCount:  5,
	}
	return &fixture{
		backend: NewQueueBackend(cfg, q, cache, rep, log),
		queue:   q,
		cache:   cache,
		rep:     rep,
		outDir:  t.TempDir(),
	}
}

func (f *fixture) registerHealthyWorker(t *testing.T, workerType build.JobType) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := f.queue.RegisterWorker(context.Background(), id, string(workerType), "exec-"+id.String()[:8], build.WorkerStatusIdle, "managed"); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	return id
}

func notebookOp(f *fixture, input string) (Operation, *build.NotebookPayload) {
	payload := &build.NotebookPayload{
		NotebookText:  `{"cells":[]}`,
		InputFilePath: input,
		InputFileName: filepath.Base(input),
		Kind:          build.KindSpeaker,
		ProgLang:      "python",
		Language:      "en",
		Format:        build.FormatHTML,
		CorrelationID: "corr-1",
	}
	op := Operation{
		ServiceName:   ServiceNotebook,
		InputFile:     input,
		OutputFile:    filepath.Join(f.outDir, filepath.Base(input)+".html"),
		ContentHash:   "hash-1",
		CorrelationID: "corr-1",
	}
	return op, payload
}

func TestUnknownServiceFailsImmediately(t *testing.T) {
	f := newFixture(t)
	err := f.backend.ExecuteOperation(context.Background(), Operation{ServiceName: "bogus"}, &build.ImagePayload{})
	if err == nil {
		t.Fatal("unknown service accepted")
	}
}

func TestCacheHitSubmitsNoJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op, payload := notebookOp(f, "s.ipynb")

	cached := []byte("<html>cached</html>")
	if err := f.cache.StoreLatestResult(ctx, op.InputFile, op.ContentHash, payload.OutputMetadata(),
		"corr-0", build.ResultKindNotebook, cached, op.InputFile, 5); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if err := f.cache.StoreWarning(ctx, op.InputFile, op.ContentHash, payload.OutputMetadata(),
		build.Warning{Category: "notebook", Message: "historical"}); err != nil {
		t.Fatalf("seed warning: %v", err)
	}

	if err := f.backend.ExecuteOperation(ctx, op, payload); err != nil {
		t.Fatalf("execute: %v", err)
	}

	data, err := os.ReadFile(op.OutputFile)
	if err != nil || string(data) != string(cached) {
		t.Fatalf("cached bytes not written: %v %q", err, data)
	}
	if len(f.rep.cacheHits) != 1 {
		t.Fatalf("cache hits = %d", len(f.rep.cacheHits))
	}
	// Every stored warning for the key is re-surfaced on the hit.
	if len(f.rep.warnings) != 1 || f.rep.warnings[0].Message != "historical" {
		t.Fatalf("warnings not replayed: %+v", f.rep.warnings)
	}

	jobs, err := f.queue.ListJobs(ctx, nil, 0)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("jobs submitted on cache hit: %d %v", len(jobs), err)
	}

	ok, err := f.backend.WaitForCompletion(ctx)
	if err != nil || !ok {
		t.Fatalf("wait: ok=%v err=%v", ok, err)
	}
}

func TestStoredUserErrorShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op, payload := notebookOp(f, "s.ipynb")

	if err := f.cache.StoreError(ctx, op.InputFile, op.ContentHash, payload.OutputMetadata(),
		build.ErrorTypeUser, "syntax_error", build.SeverityError, "SyntaxError: bad", op.InputFile, "fix it"); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	if err := f.backend.ExecuteOperation(ctx, op, payload); err != nil {
		t.Fatalf("execute: %v", err)
	}

	jobs, _ := f.queue.ListJobs(ctx, nil, 0)
	if len(jobs) != 0 {
		t.Fatalf("worker invoked despite cached user error: %d jobs", len(jobs))
	}
	if len(f.rep.errors) != 1 || f.rep.errors[0].Category != "syntax_error" {
		t.Fatalf("stored error not re-surfaced: %+v", f.rep.errors)
	}

	ok, err := f.backend.WaitForCompletion(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ok {
		t.Fatal("build reported success despite cached failure")
	}
}

func TestNoWorkersIsFatal(t *testing.T) {
	f := newFixture(t)
	op, payload := notebookOp(f, "s.ipynb")

	err := f.backend.ExecuteOperation(context.Background(), op, payload)
	if err == nil {
		t.Fatal("submission succeeded with zero workers")
	}
	var be *buildtax.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("error is not a BuildError: %v", err)
	}
	if be.ErrorType != build.ErrorTypeInfrastructure || be.Severity != build.SeverityFatal {
		t.Fatalf("wrong taxonomy: %+v", be)
	}
}

func TestCompletedJobStoresResultAndWarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerHealthyWorker(t, build.JobTypeNotebook)
	op, payload := notebookOp(f, "s.ipynb")

	if err := f.backend.ExecuteOperation(ctx, op, payload); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Play the worker's part: claim, produce the output, mark completed
	// with a structured warning in the result blob.
	wid := uuid.New()
	job, err := f.queue.GetNextJob(ctx, string(build.JobTypeNotebook), wid)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	produced := []byte("<html>fresh</html>")
	if err := os.WriteFile(op.OutputFile, produced, 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	blob := datatypes.JSON([]byte(`{"warnings":[{"category":"notebook","message":"slow cell","severity":"warning"}]}`))
	if err := f.queue.UpdateJobStatus(ctx, job.ID, build.JobStatusCompleted, "", blob); err != nil {
		t.Fatalf("complete: %v", err)
	}

	ok, err := f.backend.WaitForCompletion(ctx)
	if err != nil || !ok {
		t.Fatalf("wait: ok=%v err=%v", ok, err)
	}

	res, err := f.cache.GetResult(ctx, op.InputFile, op.ContentHash, payload.OutputMetadata())
	if err != nil || res == nil {
		t.Fatalf("result not cached: %v %v", res, err)
	}
	if string(res.ResultBlob) != string(produced) {
		t.Fatalf("cached bytes differ: %q", res.ResultBlob)
	}
	if len(f.rep.warnings) != 1 || f.rep.warnings[0].Message != "slow cell" {
		t.Fatalf("job warnings not surfaced: %+v", f.rep.warnings)
	}
	_, warns, _ := f.cache.GetIssues(ctx, op.InputFile, op.ContentHash, payload.OutputMetadata())
	if len(warns) != 1 {
		t.Fatalf("job warnings not persisted: %d", len(warns))
	}
	if !f.rep.processed[op.InputFile] {
		t.Fatal("file not reported processed")
	}
}

func TestFailedJobUserErrorIsCachedConfigurationIsNot(t *testing.T) {
	cases := []struct {
		name      string
		service   string
		jobType   build.JobType
		rawError  string
		wantRows  int
		wantType  build.ErrorType
	}{
		{
			name:     "user error cached",
			service:  ServiceNotebook,
			jobType:  build.JobTypeNotebook,
			rawError: `{"error_class":"SyntaxError","error_message":"SyntaxError: invalid syntax"}`,
			wantRows: 1,
			wantType: build.ErrorTypeUser,
		},
		{
			name:     "configuration error not cached",
			service:  ServicePlantUML,
			jobType:  build.JobTypePlantUML,
			rawError: `{"error_class":"PermanentError","error_message":"PLANTUML_JAR environment variable not set; plantuml jar not found"}`,
			wantRows: 0,
			wantType: build.ErrorTypeConfiguration,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.registerHealthyWorker(t, tc.jobType)

			var op Operation
			var payload build.Payload
			if tc.jobType == build.JobTypeNotebook {
				op, payload = notebookOp(f, "s.ipynb")
			} else {
				ip := &build.ImagePayload{
					SourceText: "@startuml\n@enduml", InputFilePath: "d.puml",
					Format: "png", CorrelationID: "corr-1",
				}
				op = Operation{
					ServiceName: tc.service, InputFile: "d.puml",
					OutputFile:  filepath.Join(f.outDir, "d.png"),
					ContentHash: "hash-1", CorrelationID: "corr-1",
				}
				payload = ip
			}

			if err := f.backend.ExecuteOperation(ctx, op, payload); err != nil {
				t.Fatalf("execute: %v", err)
			}
			job, err := f.queue.GetNextJob(ctx, string(tc.jobType), uuid.New())
			if err != nil || job == nil {
				t.Fatalf("claim: %v %v", job, err)
			}
			if err := f.queue.UpdateJobStatus(ctx, job.ID, build.JobStatusFailed, tc.rawError, nil); err != nil {
				t.Fatalf("fail: %v", err)
			}

			ok, err := f.backend.WaitForCompletion(ctx)
			if err != nil {
				t.Fatalf("wait: %v", err)
			}
			if ok {
				t.Fatal("failed job reported as success")
			}

			if len(f.rep.errors) != 1 || f.rep.errors[0].ErrorType != tc.wantType {
				t.Fatalf("surfaced error wrong: %+v", f.rep.errors)
			}
			md := ""
			if p, okp := payload.(*build.NotebookPayload); okp {
				md = p.OutputMetadata()
			} else {
				md = payload.(*build.ImagePayload).OutputMetadata()
			}
			errs, _, _ := f.cache.GetIssues(ctx, op.InputFile, op.ContentHash, md)
			if len(errs) != tc.wantRows {
				t.Fatalf("stored_errors rows = %d, want %d", len(errs), tc.wantRows)
			}
		})
	}
}

func TestCancelledJobIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerHealthyWorker(t, build.JobTypeNotebook)
	op, payload := notebookOp(f, "s.ipynb")

	if err := f.backend.ExecuteOperation(ctx, op, payload); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := f.queue.CancelJobsForFile(ctx, op.InputFile, "watch_mode"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ok, err := f.backend.WaitForCompletion(ctx)
	if err != nil || !ok {
		t.Fatalf("cancelled job counted as failure: ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(op.OutputFile); err == nil {
		t.Fatal("cancelled job produced an output file")
	}
}

func TestCacheWritesHappenEvenWhenReadsDisabled(t *testing.T) {
	f := newFixture(t)
	f.backend.cfg.ReadFromCache = false
	ctx := context.Background()
	f.registerHealthyWorker(t, build.JobTypeNotebook)
	op, payload := notebookOp(f, "s.ipynb")

	// Seed a result that would have short-circuited with reads enabled.
	if err := f.cache.StoreLatestResult(ctx, op.InputFile, op.ContentHash, payload.OutputMetadata(),
		"old", build.ResultKindNotebook, []byte("stale"), op.InputFile, 5); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.backend.ExecuteOperation(ctx, op, payload); err != nil {
		t.Fatalf("execute: %v", err)
	}
	jobs, _ := f.queue.ListJobs(ctx, nil, 0)
	if len(jobs) != 1 {
		t.Fatalf("reads disabled must still submit: %d jobs", len(jobs))
	}

	job, _ := f.queue.GetNextJob(ctx, string(build.JobTypeNotebook), uuid.New())
	fresh := []byte("<html>fresh</html>")
	if err := os.WriteFile(op.OutputFile, fresh, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.queue.UpdateJobStatus(ctx, job.ID, build.JobStatusCompleted, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ok, err := f.backend.WaitForCompletion(ctx); err != nil || !ok {
		t.Fatalf("wait: ok=%v err=%v", ok, err)
	}

	res, _ := f.cache.GetResult(ctx, op.InputFile, op.ContentHash, payload.OutputMetadata())
	if res == nil || string(res.ResultBlob) != string(fresh) {
		t.Fatalf("fresh result not written to cache: %+v", res)
	}
}
