package sync

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Default backoff bounds.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// maxBackoffSteps bounds the walk along the exponential sequence; past it
// the delay is pinned at the cap anyway.
const maxBackoffSteps = 64

// Backoff computes how long a failed operation waits before trigger-driven
// drains retry it: capped exponential with optional jitter.
type Backoff struct {
	base          time.Duration
	max           time.Duration
	jitterPercent uint64
}

// NewBackoff creates a backoff policy. Non-positive bounds fall back to the
// defaults.
func NewBackoff(base, max time.Duration, jitterPercent uint64) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, jitterPercent: jitterPercent}
}

// Delay returns the wait after the given number of failed attempts. The
// first failure waits base, each further failure doubles it, up to max.
func (b *Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	if failures > maxBackoffSteps {
		failures = maxBackoffSteps
	}

	seq := retry.WithCappedDuration(b.max, retry.NewExponential(b.base))
	if b.jitterPercent > 0 {
		seq = retry.WithJitterPercent(b.jitterPercent, seq)
	}

	var d time.Duration
	for i := 0; i < failures; i++ {
		d, _ = seq.Next()
	}
	return d
}
