package queue

import (
	"math/rand/v2"
	"time"
)

const (
	legacyRetryBase   = time.Minute
	defaultRetryDelay = 60 // seconds
)

// HasRetryPolicy reports whether any of the explicit retry fields is set.
// Jobs without a policy fall back to the legacy exponential formula.
func (j *Job) HasRetryPolicy() bool {
	return j.RetryDelay != nil || j.RetryBackoff != nil || j.RetryDelayMax != nil
}

// NextRetryDelay computes how long to wait before the next attempt of a job
// that just failed. attempts is the post-claim attempt count, so the first
// failure passes attempts=1.
//
// Without a retry policy the legacy formula applies: 2^attempts minutes,
// no jitter. With a policy, the delay starts at RetryDelay seconds
// (default 60) and, unless RetryBackoff is explicitly false, doubles per
// completed attempt, capped at RetryDelayMax, with full jitter drawn from
// [delay/2, delay].
func NextRetryDelay(attempts int, retryDelay *int, retryBackoff *bool, retryDelayMax *int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	if retryDelay == nil && retryBackoff == nil && retryDelayMax == nil {
		return legacyRetryBase * time.Duration(int64(1)<<uint(min(attempts, 30)))
	}

	base := defaultRetryDelay
	if retryDelay != nil {
		base = *retryDelay
	}
	if retryBackoff != nil && !*retryBackoff {
		return time.Duration(base) * time.Second
	}

	// Exponent uses completed attempts so the first retry lands at base.
	delay := time.Duration(base) * time.Second * time.Duration(int64(1)<<uint(min(attempts-1, 30)))
	if retryDelayMax != nil {
		if max := time.Duration(*retryDelayMax) * time.Second; delay > max {
			delay = max
		}
	}

	// Full jitter in [delay/2, delay].
	half := delay / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// ComputeNextAttemptAt returns the retry deadline for a job that just
// failed, relative to now.
func (j *Job) ComputeNextAttemptAt(now time.Time) time.Time {
	return now.Add(NextRetryDelay(j.Attempts, j.RetryDelay, j.RetryBackoff, j.RetryDelayMax))
}
