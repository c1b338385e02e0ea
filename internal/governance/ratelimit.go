package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig bounds requests per key.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

// RateLimiter keeps one token bucket per key. Keys are created on first use and all share
// the same configuration.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	config  RateLimiterConfig
	now     func() time.Time
}

// NewRateLimiter creates a limiter. A non-positive burst defaults to the rate.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond
	}
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  config,
		now:     time.Now,
	}
}

// Allow consumes a token for key. A limiter with a non-positive rate allows everything.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.take(key)
	return ok
}

func (rl *RateLimiter) take(key string) (bool, int) {
	if rl.config.RequestsPerSecond <= 0 {
		return true, math.MaxInt32
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.config.BurstSize), lastRefill: now}
		rl.buckets[key] = bucket
	}
	bucket.refill(now, float64(rl.config.RequestsPerSecond), float64(rl.config.BurstSize))
	if bucket.tokens < 1 {
		return false, 0
	}
	bucket.tokens--
	return true, int(bucket.tokens)
}

// Middleware rejects requests over the limit with 429. Requests are keyed by path so one
// noisy endpoint cannot starve the others.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, remaining := rl.take(r.URL.Path)
		if rl.config.RequestsPerSecond > 0 {
			writeRateLimitHeaders(w, rl.config.RequestsPerSecond, remaining)
		}
		if !ok {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func (tb *tokenBucket) refill(now time.Time, rate, capacity float64) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(capacity, tb.tokens+elapsed*rate)
		tb.lastRefill = now
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, limit, remaining int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}
