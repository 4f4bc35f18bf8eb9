// Package ratelimit implements token bucket rate limiting keyed by outbound provider.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/answerability-auditor/internal/telemetry"
	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per key. Callers sharing a Limiter share
// the buckets, so the outbound rate to a provider is capped regardless of
// how many goroutines call it.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]Bucket
	defaultRate  rate.Limit
	defaultBurst int
}

// Bucket sets the refill rate and capacity for one key.
type Bucket struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Overrides    map[string]Bucket
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r, burst := normalize(cfg.DefaultRPS, cfg.DefaultBurst)
	overrides := make(map[string]Bucket, len(cfg.Overrides))
	for k, b := range cfg.Overrides {
		overrides[k] = b
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  r,
		defaultBurst: burst,
	}
}

func normalize(rps float64, burst int) (rate.Limit, int) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return r, burst
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if !exists {
		r, burst := l.defaultRate, l.defaultBurst
		if o, ok := l.overrides[key]; ok {
			r, burst = normalize(o.RPS, o.Burst)
		}
		limiter = rate.NewLimiter(r, burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Acquire blocks until a token is available for key or ctx ends.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	limiter := l.bucket(key)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// AllowAt reports whether a token is available for key at t and consumes it
// when it is. It never blocks.
func (l *Limiter) AllowAt(key string, t time.Time) bool {
	return l.bucket(key).AllowN(t, 1)
}
