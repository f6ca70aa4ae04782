package buildtax

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yungbote/buildctl/internal/domain/build"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 8,
		Base:        50 * time.Millisecond,
		Max:         2 * time.Second,
		Multiplier:  2.0,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		assert.LessOrEqual(t, d, p.Max, "attempt %d", attempt)
		if attempt <= 5 {
			assert.Greater(t, d, prev, "attempt %d should grow", attempt)
		}
		prev = d
	}
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	p := DefaultQueueRetryPolicy()
	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		// base 50ms with +-25% jitter
		assert.GreaterOrEqual(t, d, 37*time.Millisecond)
		assert.LessOrEqual(t, d, 63*time.Millisecond)
	}
}

func TestShouldRetryHonorsPredicateAndAttempts(t *testing.T) {
	p := DefaultSubprocessRetryPolicy()

	transient := fmt.Errorf("exit status 137")
	assert.True(t, p.ShouldRetry(1, transient))
	assert.True(t, p.ShouldRetry(2, transient))
	assert.False(t, p.ShouldRetry(3, transient), "max attempts reached")

	permanent := &PermanentError{Cause: errors.New("executable not found")}
	assert.False(t, p.ShouldRetry(1, permanent), "permanent errors fail fast")

	assert.False(t, p.ShouldRetry(1, nil))
}

func TestIsPermanentUnwraps(t *testing.T) {
	inner := &PermanentError{Cause: errors.New("missing tool")}
	wrapped := fmt.Errorf("handler: %w", inner)
	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsPermanent(errors.New("plain")))
}

func TestBuildErrorCacheability(t *testing.T) {
	user := New(build.ErrorTypeUser, "syntax_error", "bad", "fix", nil)
	conf := New(build.ErrorTypeConfiguration, "missing_tool", "no jar", "install", nil)
	infra := New(build.ErrorTypeInfrastructure, "timeout", "slow", "retry", nil)

	assert.True(t, user.Cacheable())
	assert.False(t, conf.Cacheable())
	assert.False(t, infra.Cacheable())
}

func TestBuildErrorFormatting(t *testing.T) {
	e := New(build.ErrorTypeUser, "syntax_error", "SyntaxError: bad", "", nil)
	e.FilePath = "s.ipynb"
	assert.Equal(t, "[user/syntax_error] s.ipynb: SyntaxError: bad", e.Error())
}
