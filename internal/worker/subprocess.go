package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/yungbote/buildctl/internal/buildtax"
)

// RunCommand executes an external converter with the subprocess retry
// policy: transient exit codes and timeouts back off and retry, recognized
// permanent classes (executable missing, permission denied) fail fast.
func RunCommand(ctx context.Context, jc *Context, policy buildtax.RetryPolicy, name string, args ...string) (string, error) {
	for attempt := 1; ; attempt++ {
		if jc.Cancelled() {
			return "", buildtax.ErrJobCancelled
		}
		out, err := runOnce(ctx, name, args...)
		if err == nil {
			return out, nil
		}
		if !policy.ShouldRetry(attempt, err) {
			return out, err
		}
		jc.Log.Warn("command failed, retrying",
			"command", name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
}

func runOnce(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	combined := stdout.String() + stderr.String()
	if err == nil {
		return combined, nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		// Phrasing matters: the categorizer's configuration-error patterns
		// match on it.
		return combined, &buildtax.PermanentError{
			Cause: fmt.Errorf("command failed with non-retriable error: %s: errno 2, executable not found", name),
		}
	}
	if strings.Contains(err.Error(), "permission denied") {
		return combined, &buildtax.PermanentError{
			Cause: fmt.Errorf("command failed with non-retriable error: %s: permission denied", name),
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return combined, fmt.Errorf("%s timed out: %w", name, ctx.Err())
	}

	detail := strings.TrimSpace(combined)
	if len(detail) > 2000 {
		detail = detail[:2000] + "... (truncated)"
	}
	return combined, fmt.Errorf("%s failed: %v: %s", name, err, detail)
}
