// Package ratelimit provides per-tenant token bucket rate limiting for the
// HTTP surface.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures the per-tenant limiter.
type Config struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// Limiter holds one token bucket per tenant. Buckets are created lazily on
// first use and refill at requests_per_minute/60 tokens per second up to the
// burst capacity.
type Limiter struct {
	mu      sync.Mutex
	rate    float64
	burst   float64
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewLimiter creates a limiter from the config. Zero or negative values are
// clamped to a minimum of one request per minute and a burst of one.
func NewLimiter(cfg Config) *Limiter {
	rpm := cfg.RequestsPerMinute
	if rpm < 1 {
		rpm = 1
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:    float64(rpm) / 60,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for the tenant, reporting whether the request may
// proceed.
func (l *Limiter) Allow(tenant string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[tenant]
	if !ok {
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.buckets[tenant] = b
	}
	b.tokens += now.Sub(b.lastSeen).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter estimates how long the tenant must wait for one token. Used to
// populate the Retry-After header on denial.
func (l *Limiter) RetryAfter(tenant string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[tenant]
	if !ok || b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	return time.Duration(needed / l.rate * float64(time.Second))
}
