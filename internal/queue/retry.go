package queue

import (
	"math"
	"math/rand/v2"
	"time"

	"fieldsync/internal/models"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy is base 2s, cap 5m, ceiling 10 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    models.DefaultMaxRetries,
		InitialDelay:  models.DefaultRetryBase,
		MaxDelay:      models.DefaultRetryCap,
		BackoffFactor: 2,
	}
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if r.MaxRetries <= 0 {
		r.MaxRetries = d.MaxRetries
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = d.InitialDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = d.MaxDelay
	}
	if r.BackoffFactor <= 1 {
		r.BackoffFactor = d.BackoffFactor
	}
	return r
}

// NextDelay returns the backoff window for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	r = r.withDefaults()

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(delay)
}

// Jitter picks a duration in (lo, hi].
type Jitter func(lo, hi time.Duration) time.Duration

// UniformJitter draws uniformly from (lo, hi].
func UniformJitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return hi
	}
	return lo + 1 + time.Duration(rand.Int64N(int64(hi-lo)))
}

// Backoff returns the jittered delay before retry number attempt. The delay is drawn from
// the band between the previous window and the current one, so successive delays strictly
// increase until they reach MaxDelay and stay there.
func (r RetryPolicy) Backoff(attempt int, jitter Jitter) time.Duration {
	hi := r.NextDelay(attempt)
	lo := r.NextDelay(attempt - 1)
	if lo >= hi {
		return hi
	}
	if jitter == nil {
		jitter = UniformJitter
	}
	d := jitter(lo, hi)
	if d <= lo || d > hi {
		return hi
	}
	return d
}

// Exhausted reports whether retryCount failed attempts reach the ceiling.
func (r RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= r.withDefaults().MaxRetries
}
