package buildtax

import (
	"math/rand"
	"time"
)

// RetryPolicy is an explicit value type consumed by an explicit retry
// loop; no hidden control flow.
type RetryPolicy struct {
	MaxAttempts       int
	Base              time.Duration
	Max               time.Duration
	Multiplier        float64
	Jitter            float64 // fraction of the computed backoff, e.g. 0.25
	RetryPredicate    func(err error) bool
}

// DefaultQueueRetryPolicy covers database-busy retries: base 50ms,
// factor 2, jitter +-25%, cap 2s.
func DefaultQueueRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		Base:        50 * time.Millisecond,
		Max:         2 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.25,
	}
}

// DefaultSubprocessRetryPolicy covers the worker loop's subprocess-calling
// handlers (PlantUML, Draw.io): transient exit codes and timeouts retry
// with backoff; permanent errors fail fast via RetryPredicate.
func DefaultSubprocessRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        500 * time.Millisecond,
		Max:         10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.25,
		RetryPredicate: func(err error) bool {
			return !IsPermanent(err)
		},
	}
}

// Backoff computes the sleep duration before the given attempt (1-indexed),
// including jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2.0
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is warranted given the
// (1-indexed) attempt just completed and its error.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.RetryPredicate != nil {
		return p.RetryPredicate(err)
	}
	return true
}
