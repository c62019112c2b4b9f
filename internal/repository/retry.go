package repository

import (
	"context"
	"time"
)

const (
	defaultRetryAttempts = 10
	defaultRetryInterval = 500 * time.Millisecond
)

// RetryPolicy bounds a readiness wait: a fixed number of attempts with a
// fixed delay between them. Tests shrink the numbers instead of waiting on
// wall-clock sleeps.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryAttempts
	}
	if p.Interval <= 0 {
		p.Interval = defaultRetryInterval
	}
	return p
}

// Poll invokes ready until it reports true, the attempts are exhausted, or
// the context expires. It reports whether readiness was observed.
func (p RetryPolicy) Poll(ctx context.Context, ready func() bool) bool {
	policy := p.normalized()
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ready() {
			return true
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(policy.Interval):
		}
	}
	return false
}

// Timeout is the total wall-clock budget the policy allows.
func (p RetryPolicy) Timeout() time.Duration {
	policy := p.normalized()
	return time.Duration(policy.MaxAttempts) * policy.Interval
}
