// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a process-local token-bucket rate limiter with one
// bucket per caller (or client IP) built on golang.org/x/time/rate. Idle
// buckets are evicted opportunistically. Requests that IdempotencyValidator
// marked as replays are never limited, so a client retrying a completed
// payment always gets its stored answer.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to a bucket identity.
type keyFunc func(*gin.Context) string

// KeyByCallerOrIP keys buckets by the caller id stored by CallerID, falling
// back to the client IP. Keys are prefixed so the namespaces never collide.
func KeyByCallerOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid, ok := CallerFrom(c); ok {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter. It is safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	sweepN   uint64
	now      func() time.Time
}

// NewRateLimiter builds a limiter refilling rps tokens per second with the
// given burst (at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

// sweepEvery is the number of lookups between idle-bucket sweeps.
const sweepEvery = 5000

// limiter returns the bucket for key, creating it on demand. The sweep runs
// before the lookup so an expired bucket is replaced rather than refreshed.
func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.sweepN++
	if rl.sweepN >= sweepEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.sweepN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether the request was marked as a replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the limiting middleware. A rejected request gets 429 with a
// Retry-After hint derived from the bucket's refill rate.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	retryAfter := "1"
	if rl.rps > 0 && rl.rps < 1 {
		retryAfter = strconv.Itoa(int(1/float64(rl.rps) + 0.5))
	}
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		if rl.limiter(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", retryAfter)
		abortJSON(c, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
	}
}
