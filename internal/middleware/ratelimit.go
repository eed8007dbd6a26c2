package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig configures the process-wide request budget.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// RateLimitMiddleware answers 429 once the shared budget is spent. Retry-After tells the
// caller how many whole seconds until the next token.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.RPS <= 0 || cfg.Burst <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	bucket := newTokenBucket(cfg.RPS, cfg.Burst, time.Now)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := bucket.reserve()
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprint(w, `{"error":"rate limit exceeded","kind":"request"}`)
		})
	}
}

func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

// tokenBucket refills continuously at perSecond up to capacity.
type tokenBucket struct {
	mu        sync.Mutex
	clock     func() time.Time
	perSecond float64
	capacity  float64
	available float64
	refilled  time.Time
}

func newTokenBucket(perSecond float64, capacity int, clock func() time.Time) *tokenBucket {
	return &tokenBucket{
		clock:     clock,
		perSecond: perSecond,
		capacity:  float64(capacity),
		available: float64(capacity),
		refilled:  clock(),
	}
}

// take spends one token if one is available.
func (b *tokenBucket) take() bool {
	ok, _ := b.reserve()
	return ok
}

// reserve spends one token, or reports how long until one is available.
func (b *tokenBucket) reserve() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if elapsed := now.Sub(b.refilled).Seconds(); elapsed > 0 {
		b.available = min(b.capacity, b.available+elapsed*b.perSecond)
		b.refilled = now
	}
	if b.available >= 1 {
		b.available--
		return true, 0
	}
	deficit := 1 - b.available
	return false, time.Duration(deficit / b.perSecond * float64(time.Second))
}
