// Package ratelimit holds token-bucket limiters keyed by caller identity.
package ratelimit

import (
	"sync"

	"fieldsync/internal/config"

	"golang.org/x/time/rate"
)

const defaultBurst = 5

// Keyed lazily creates one limiter per key. A zero or negative rate disables limiting.
type Keyed struct {
	limiters sync.Map // map[string]*rate.Limiter
	rps      float64
	burst    int
}

func New(cfg config.APIRateLimitConfig) *Keyed {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Keyed{rps: cfg.RPS, burst: burst}
}

func (k *Keyed) Enabled() bool {
	return k != nil && k.rps > 0
}

// Allow reports whether key may make a request now. It always allows when disabled.
func (k *Keyed) Allow(key string) bool {
	if !k.Enabled() {
		return true
	}
	return k.limiter(key).Allow()
}

func (k *Keyed) limiter(key string) *rate.Limiter {
	if v, ok := k.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := k.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(k.rps), k.burst))
	return actual.(*rate.Limiter)
}
