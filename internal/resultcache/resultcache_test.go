package resultcache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/testutil"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return New(testutil.CacheDB(t), testutil.Logger(t))
}

func TestResultRoundTripIsBitIdentical(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	data := []byte{0x00, 0x01, 0xff, 0xfe, 'p', 'n', 'g'}
	if err := c.StoreLatestResult(ctx, "a.puml", "h1", "png", "corr", build.ResultKindImage, data, "a.puml", 5); err != nil {
		t.Fatalf("store: %v", err)
	}

	res, err := c.GetResult(ctx, "a.puml", "h1", "png")
	if err != nil || res == nil {
		t.Fatalf("get: %v %v", res, err)
	}
	if !bytes.Equal(res.ResultBlob, data) {
		t.Fatalf("round trip not bit-identical: %v", res.ResultBlob)
	}
	if res.ResultKind != string(build.ResultKindImage) || res.CorrelationID != "corr" {
		t.Fatalf("metadata lost: %+v", res)
	}

	if miss, _ := c.GetResult(ctx, "a.puml", "h2", "png"); miss != nil {
		t.Fatal("different hash must miss")
	}
	if miss, _ := c.GetResult(ctx, "a.puml", "h1", "svg"); miss != nil {
		t.Fatal("different metadata must miss")
	}
}

func TestSuccessfulStoreInvalidatesStoredError(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.StoreError(ctx, "s.ipynb", "h1", "meta",
		build.ErrorTypeUser, "syntax_error", build.SeverityError,
		"SyntaxError: bad", "s.ipynb", "fix it"); err != nil {
		t.Fatalf("store error: %v", err)
	}
	errs, _, err := c.GetIssues(ctx, "s.ipynb", "h1", "meta")
	if err != nil || len(errs) != 1 {
		t.Fatalf("issues before: %d %v", len(errs), err)
	}

	// A successful run for the same key clears the cached error: at most
	// one fresh result OR one stored user error per key.
	if err := c.StoreLatestResult(ctx, "s.ipynb", "h1", "meta", "corr", build.ResultKindNotebook, []byte("nb"), "s.ipynb", 5); err != nil {
		t.Fatalf("store result: %v", err)
	}
	errs, _, err = c.GetIssues(ctx, "s.ipynb", "h1", "meta")
	if err != nil || len(errs) != 0 {
		t.Fatalf("stored error survived a successful run: %d %v", len(errs), err)
	}
}

func TestWarningsAccompanyResultsAndErrors(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	w := build.Warning{Category: "notebook", Message: "slow cell", Severity: "warning", FilePath: "s.ipynb"}
	if err := c.StoreWarning(ctx, "s.ipynb", "h1", "meta", w); err != nil {
		t.Fatalf("store warning: %v", err)
	}
	_, warns, err := c.GetIssues(ctx, "s.ipynb", "h1", "meta")
	if err != nil || len(warns) != 1 {
		t.Fatalf("warnings: %d %v", len(warns), err)
	}
	if warns[0].Message != "slow cell" || warns[0].Category != "notebook" {
		t.Fatalf("warning mangled: %+v", warns[0])
	}
}

func TestResultRetention(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		hash := string(rune('a' + i))
		if err := c.StoreLatestResult(ctx, "s.ipynb", hash, "meta", "corr", build.ResultKindNotebook, []byte{byte(i)}, "s.ipynb", 2); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond) // distinct stored_at ordering
	}

	var count int64
	if err := c.db.Model(&build.Result{}).Where("input_file = ?", "s.ipynb").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("retention kept %d versions, want 2", count)
	}
	// The newest version is the one still readable.
	res, err := c.GetResult(ctx, "s.ipynb", "d", "meta")
	if err != nil || res == nil {
		t.Fatalf("newest version pruned: %v %v", res, err)
	}
}

func TestExecutedNotebookCache(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if miss, err := c.GetExecutedNotebook(ctx, "s.ipynb", "h1", "en", "python"); err != nil || miss != nil {
		t.Fatalf("empty cache: %v %v", miss, err)
	}

	nb := []byte(`{"cells":[]}`)
	if err := c.StoreExecutedNotebook(ctx, "s.ipynb", "h1", "en", "python", nb); err != nil {
		t.Fatalf("store: %v", err)
	}
	row, err := c.GetExecutedNotebook(ctx, "s.ipynb", "h1", "en", "python")
	if err != nil || row == nil {
		t.Fatalf("get: %v %v", row, err)
	}
	if !bytes.Equal(row.NotebookBlob, nb) {
		t.Fatal("blob mangled")
	}
	// The key includes language and prog_lang.
	if miss, _ := c.GetExecutedNotebook(ctx, "s.ipynb", "h1", "de", "python"); miss != nil {
		t.Fatal("different language must miss")
	}

	time.Sleep(5 * time.Millisecond)
	if err := c.StoreExecutedNotebook(ctx, "s.ipynb", "h2", "en", "python", []byte(`{"cells":[1]}`)); err != nil {
		t.Fatalf("store v2: %v", err)
	}
	if err := c.PruneStaleHashes(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if stale, _ := c.GetExecutedNotebook(ctx, "s.ipynb", "h1", "en", "python"); stale != nil {
		t.Fatal("stale hash survived prune")
	}
	if fresh, _ := c.GetExecutedNotebook(ctx, "s.ipynb", "h2", "en", "python"); fresh == nil {
		t.Fatal("fresh hash pruned")
	}
}

func TestCleanupAllPrunesOldIssues(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.StoreError(ctx, "s.ipynb", "h1", "meta",
		build.ErrorTypeUser, "syntax_error", build.SeverityError, "old", "s.ipynb", ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	old := time.Now().UTC().AddDate(0, 0, -60)
	if err := c.db.Model(&build.StoredError{}).Where("message = ?", "old").
		Update("stored_at", old).Error; err != nil {
		t.Fatalf("age: %v", err)
	}

	if err := c.CleanupAll(ctx, 5, 30); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	errs, _, _ := c.GetIssues(ctx, "s.ipynb", "h1", "meta")
	if len(errs) != 0 {
		t.Fatalf("old issue survived retention: %d", len(errs))
	}
}
