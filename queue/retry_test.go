package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int       { return &n }
func boolPtr(b bool) *bool    { return &b }

func TestNextRetryDelay_LegacyFormula(t *testing.T) {
	// No policy fields: 2^attempts minutes, deterministic.
	assert.Equal(t, 2*time.Minute, NextRetryDelay(1, nil, nil, nil))
	assert.Equal(t, 4*time.Minute, NextRetryDelay(2, nil, nil, nil))
	assert.Equal(t, 8*time.Minute, NextRetryDelay(3, nil, nil, nil))
}

func TestNextRetryDelay_FixedDelay(t *testing.T) {
	// Backoff disabled: always the base, no jitter.
	for attempts := 1; attempts <= 5; attempts++ {
		assert.Equal(t, 30*time.Second, NextRetryDelay(attempts, intPtr(30), boolPtr(false), nil))
	}
}

func TestNextRetryDelay_ExponentialBounds(t *testing.T) {
	// base * 2^(attempts-1) with full jitter in [delay/2, delay].
	base := 10
	for attempts := 1; attempts <= 6; attempts++ {
		expected := time.Duration(base) * time.Second << uint(attempts-1)
		for i := 0; i < 50; i++ {
			d := NextRetryDelay(attempts, intPtr(base), nil, nil)
			assert.GreaterOrEqual(t, d, expected/2, "attempts=%d", attempts)
			assert.LessOrEqual(t, d, expected, "attempts=%d", attempts)
		}
	}
}

func TestNextRetryDelay_CapsAtDelayMax(t *testing.T) {
	// Cap applies before jitter, so the result never exceeds the max.
	max := 120
	for i := 0; i < 50; i++ {
		d := NextRetryDelay(10, intPtr(60), boolPtr(true), intPtr(max))
		assert.LessOrEqual(t, d, time.Duration(max)*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(max)*time.Second/2)
	}
}

func TestNextRetryDelay_DefaultBase(t *testing.T) {
	// A policy with only backoff set uses the 60s default base.
	d := NextRetryDelay(1, nil, boolPtr(false), nil)
	assert.Equal(t, 60*time.Second, d)
}

func TestNextRetryDelay_ZeroAttemptsClamped(t *testing.T) {
	assert.Equal(t, NextRetryDelay(1, nil, nil, nil), NextRetryDelay(0, nil, nil, nil))
}

func TestComputeNextAttemptAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{Attempts: 1, RetryDelay: intPtr(30), RetryBackoff: boolPtr(false)}
	require.Equal(t, now.Add(30*time.Second), job.ComputeNextAttemptAt(now))
}

func TestHasRetryPolicy(t *testing.T) {
	assert.False(t, (&Job{}).HasRetryPolicy())
	assert.True(t, (&Job{RetryDelay: intPtr(5)}).HasRetryPolicy())
	assert.True(t, (&Job{RetryBackoff: boolPtr(true)}).HasRetryPolicy())
	assert.True(t, (&Job{RetryDelayMax: intPtr(300)}).HasRetryPolicy())
}
