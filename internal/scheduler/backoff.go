package scheduler

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays for transient failures: exponential growth
// from Base with full ±Jitter spread, capped at Attempts tries.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Factor   float64
	Jitter   float64 // fraction of the delay, e.g. 0.5 for ±50%
}

// DefaultBackoff is the retry policy for conflict and busy outcomes:
// 5 attempts starting at 25ms, doubling, with ±50% jitter.
var DefaultBackoff = Backoff{
	Attempts: 5,
	Base:     25 * time.Millisecond,
	Factor:   2,
	Jitter:   0.5,
}

// Delay returns the sleep before retry attempt n (0-based). The jitter is
// uniform over [delay*(1-Jitter), delay*(1+Jitter)].
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}
