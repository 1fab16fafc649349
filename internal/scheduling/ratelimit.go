package scheduling

import (
	"sync"
	"time"

	"github.com/medrex/clinic-scheduling/pkg/clock"
)

// RateLimiter is a per-key token bucket. Buckets refill in proportion to
// elapsed time and are full again after one period.
type RateLimiter struct {
	clock  clock.Clock
	limit  int
	period time.Duration

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per period for each key
func NewRateLimiter(limit int, period time.Duration, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		clock:   clk,
		limit:   limit,
		period:  period,
		buckets: make(map[string]*tokenBucket),
	}
}

// Allow takes one token from key's bucket and reports whether one was available
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: rl.limit, lastRefill: now}
		rl.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill)
	if elapsed >= rl.period {
		bucket.tokens = rl.limit
		bucket.lastRefill = now
	} else if add := int(elapsed.Nanoseconds() * int64(rl.limit) / rl.period.Nanoseconds()); add > 0 {
		bucket.tokens = min(bucket.tokens+add, rl.limit)
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

// Remaining returns the tokens left in key's bucket without refilling it
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if bucket, ok := rl.buckets[key]; ok {
		return bucket.tokens
	}
	return rl.limit
}

// Prune drops buckets idle for longer than maxIdle and returns how many were removed
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-maxIdle)
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}
