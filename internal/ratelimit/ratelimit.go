// Package ratelimit implements a per-sandbox token bucket rate limiter.
// Thread-safe. No background goroutines — tokens are refilled lazily on
// each Allow call, and buckets are dropped when a sandbox is retired.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a sandbox has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int `yaml:"requestsPerMinute" json:"requestsPerMinute"` // Tokens added per minute. 0 = unlimited.
	BurstSize         int `yaml:"burstSize" json:"burstSize"`                 // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-sandbox token bucket rate limiter.
// Each sandbox gets an independent bucket; one noisy sandbox cannot
// exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow checks whether the sandbox has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(sandboxID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[sandboxID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[sandboxID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Forget drops the bucket for a retired sandbox so the map does not grow
// without bound across sandbox churn.
func (l *Limiter) Forget(sandboxID string) {
	l.mu.Lock()
	delete(l.buckets, sandboxID)
	l.mu.Unlock()
}
