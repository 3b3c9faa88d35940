package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// JitterFactor is the ±fraction applied to each delay when the policy enables jitter
const JitterFactor = 0.2

// Schedule yields the delay before each retry:
// min(base × factor^(n-1), max), jittered by ±JitterFactor and clamped to max.
type Schedule struct {
	b   *backoff.ExponentialBackOff
	max time.Duration
}

// NewSchedule builds a fresh delay schedule for one operation
func NewSchedule(p types.RetryPolicy) *Schedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.BackoffFactor
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = JitterFactor
	}
	b.Reset()
	return &Schedule{b: b, max: p.MaxDelay}
}

// Next returns the delay to wait before the next attempt
func (s *Schedule) Next() time.Duration {
	d := s.b.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return s.max
	}
	if d > s.max {
		d = s.max
	}
	return d
}

// Delays returns the first n delays of a policy's schedule
func Delays(p types.RetryPolicy, n int) []time.Duration {
	s := NewSchedule(p)
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = s.Next()
	}
	return out
}
