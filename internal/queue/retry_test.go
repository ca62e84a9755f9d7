package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 2 * time.Second, MaxDelay: 20 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Duration(0), p.NextDelay(0))
	assert.Equal(t, 2*time.Second, p.NextDelay(1))
	assert.Equal(t, 4*time.Second, p.NextDelay(2))
	assert.Equal(t, 16*time.Second, p.NextDelay(4))
	assert.Equal(t, 20*time.Second, p.NextDelay(5))
	assert.Equal(t, 20*time.Second, p.NextDelay(50))
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	assert.Equal(t, 10, p.MaxRetries)
	assert.Equal(t, 2*time.Second, p.InitialDelay)
	assert.Equal(t, 5*time.Minute, p.MaxDelay)
	assert.True(t, p.Exhausted(10))
	assert.False(t, p.Exhausted(9))
}

func TestBackoffStaysInBand(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 1; attempt <= 12; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt, UniformJitter)
			lo, hi := p.NextDelay(attempt-1), p.NextDelay(attempt)
			if lo >= p.MaxDelay {
				assert.Equal(t, p.MaxDelay, d, "attempt %d", attempt)
				continue
			}
			assert.Greater(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestBackoffStrictlyIncreasingThenCapped(t *testing.T) {
	p := DefaultRetryPolicy()
	jitters := map[string]Jitter{
		"low":  func(lo, _ time.Duration) time.Duration { return lo + 1 },
		"high": func(_, hi time.Duration) time.Duration { return hi },
		"rand": UniformJitter,
	}
	for name, j := range jitters {
		t.Run(name, func(t *testing.T) {
			prev := time.Duration(0)
			for attempt := 1; attempt <= 12; attempt++ {
				d := p.Backoff(attempt, j)
				assert.LessOrEqual(t, d, p.MaxDelay)
				if prev < p.MaxDelay {
					assert.Greater(t, d, prev, "attempt %d", attempt)
				} else {
					assert.Equal(t, p.MaxDelay, d)
				}
				prev = d
			}
		})
	}
}

func TestBackoffOutOfBandJitterFallsBackToWindow(t *testing.T) {
	p := DefaultRetryPolicy()
	bad := func(_, _ time.Duration) time.Duration { return -time.Second }
	assert.Equal(t, p.NextDelay(3), p.Backoff(3, bad))
}
