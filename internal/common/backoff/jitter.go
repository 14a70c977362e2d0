package backoff

import (
	"math/rand/v2"
	"time"
)

// JitterFunc perturbs a computed interval to avoid thundering herds.
type JitterFunc func(interval time.Duration) time.Duration

// FullJitter picks a uniformly random interval in [0, interval).
func FullJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(interval)))
}

// HalfJitter picks a uniformly random interval in [interval/2, interval).
func HalfJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	half := interval / 2
	return half + time.Duration(rand.Int64N(int64(interval-half)))
}

// WithJitter decorates a retry policy with a jitter function.
func WithJitter(policy RetryPolicy, jitter JitterFunc) RetryPolicy {
	return &jitteredPolicy{policy: policy, jitter: jitter}
}

type jitteredPolicy struct {
	policy RetryPolicy
	jitter JitterFunc
}

// ComputeNextInterval implements RetryPolicy.
func (p *jitteredPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.policy.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}
	return p.jitter(interval), nil
}
