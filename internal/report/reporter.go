// Package report is the build's user-facing result channel. The Backend
// and the driver push errors, warnings, and progress through a Reporter;
// how those surface (console, logs, a TUI) is the caller's choice.
package report

import (
	"fmt"
	"io"
	"sync"

	"github.com/yungbote/buildctl/internal/buildtax"
	"github.com/yungbote/buildctl/internal/domain/build"
)

// Reporter receives build outcomes as they happen. Implementations must be
// safe for concurrent use; stage execution is parallel.
type Reporter interface {
	Info(msg string)
	Warning(w build.Warning)
	Error(e *buildtax.BuildError)
	CacheHit(inputFile string)
	FileProcessed(inputFile string, ok bool)
}

// Console writes outcomes to a writer and keeps running counts for the
// final summary line.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	processed int
	failed    int
	cacheHits int
	warnings  int
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Info(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, msg)
}

func (c *Console) Warning(w build.Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings++
	if w.FilePath != "" {
		fmt.Fprintf(c.out, "warning [%s] %s: %s\n", w.Category, w.FilePath, w.Message)
		return
	}
	fmt.Fprintf(c.out, "warning [%s] %s\n", w.Category, w.Message)
}

func (c *Console) Error(e *buildtax.BuildError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "error %s\n", e.Error())
	if e.Guidance != "" {
		fmt.Fprintf(c.out, "  -> %s\n", e.Guidance)
	}
}

func (c *Console) CacheHit(inputFile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHits++
}

func (c *Console) FileProcessed(inputFile string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	if !ok {
		c.failed++
	}
}

// Summary prints the closing counts and reports whether the build had
// failures.
func (c *Console) Summary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%d processed, %d failed, %d cache hits, %d warnings\n",
		c.processed, c.failed, c.cacheHits, c.warnings)
	return c.failed == 0
}
