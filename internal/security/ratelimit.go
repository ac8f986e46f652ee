package security

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a request exceeds its rate limit.
var ErrRateLimited = errors.New("security: rate limit exceeded")

// RateLimiter implements a token bucket rate limiter. A non-positive rate
// disables limiting.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter that starts full.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiter(rate, burst, time.Now)
}

func newRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rate <= 0 {
		return true
	}
	now := r.now()
	r.refill(now)
	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.rate
		if r.tokens > float64(r.burst) {
			r.tokens = float64(r.burst)
		}
	}
	r.lastRefill = now
}

// SetLimits changes the rate and burst without resetting accrued tokens
// beyond the new burst.
func (r *RateLimiter) SetLimits(rate float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill(r.now())
	if burst < 1 {
		burst = 1
	}
	r.rate = rate
	r.burst = burst
	if r.tokens > float64(burst) {
		r.tokens = float64(burst)
	}
}

// Reset refills the bucket.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = float64(r.burst)
	r.lastRefill = r.now()
}

func (r *RateLimiter) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefill
}

// KeyedLimiter keeps one token bucket per key, such as a subject id.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rate     float64
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

// NewKeyedLimiter creates a per-key limiter. Buckets idle for longer than
// idleTTL are dropped by Sweep.
func NewKeyedLimiter(rate float64, burst int, idleTTL time.Duration) *KeyedLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = newRateLimiter(k.rate, k.burst, k.now)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()

	return limiter.Allow()
}

// SetLimits applies new limits to existing and future buckets.
func (k *KeyedLimiter) SetLimits(rate float64, burst int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.rate = rate
	k.burst = burst
	for _, l := range k.limiters {
		l.SetLimits(rate, burst)
	}
}

// Sweep drops idle buckets and returns how many were removed.
func (k *KeyedLimiter) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	removed := 0
	for key, l := range k.limiters {
		if now.Sub(l.idleSince()) > k.idleTTL {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// Run sweeps idle buckets every interval until ctx is done.
func (k *KeyedLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = k.idleTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Sweep()
		}
	}
}
