package hospital

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the bounded exponential backoff policy for automatic
// RetryFlowFromSafePoint readmission. spec.md §9 leaves the exact attempt
// count and backoff parameters as an unresolved Open Question; this
// resolves it with a concrete, documented default (DESIGN.md records the
// choice) rather than an unbounded retry loop.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// MaxAttempts bounds automatic retries. Once exceeded, NextDelay
	// reports ok=false and the caller (the Flow Manager) must escalate
	// to Hospital.Admit instead of scheduling another backoff wake-up.
	MaxAttempts int
}

// DefaultRetryPolicy mirrors the pack's `Mohitkumar-orchy` worker retry
// defaults: five attempts, growing from one second to one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		MaxAttempts:     5,
	}
}

// NextDelay returns the backoff delay to wait before the given 1-indexed
// attempt. attempt is Checkpoint.ErrorState.HospitalCount, i.e. how many
// times this FlowId has already entered Errored state.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.2
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		d = p.MaxInterval
	}
	return d, true
}
