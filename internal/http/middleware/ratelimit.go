// In-memory token-bucket rate limiting for the payment API.
//
// The pay and OTP routes call a metered upstream gateway, and a runaway
// client hammering resend-otp both burns gateway quota and risks locking
// the user's account upstream. This limiter sits at the edge as abuse and
// cost protection, keyed per authenticated user with an IP fallback for
// unauthenticated probes.
//
//   - Per-key token buckets via golang.org/x/time/rate
//   - Pluggable identity function (user ID or client IP)
//   - Best-effort eviction of idle buckets to bound memory
//   - Bypass for idempotent replays so a retried settlement is never 429ed
//     after the original already consumed the token
//
// The limiter is process-local. A horizontally scaled deployment needs a
// shared limiter (Redis backed) to enforce a global budget; each replica
// here enforces only its own slice.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc selects the identity a bucket is keyed by. Implementations return
// a stable string for the duration of a request, e.g. "user:<id>" or
// "ip:<addr>".
type keyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the authenticated user (Gin context key "userID",
// set by SessionAuth) and falls back to the client IP. Keys are prefixed so
// the user and IP namespaces cannot collide.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get("userID"); ok {
			if s, ok := v.(string); ok && s != "" {
				return "user:" + s
			}
		}
		return "ip:" + c.ClientIP()
	}
}

// visitor pairs a bucket with the last time its key was seen, so idle
// entries can be evicted.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a per-key token-bucket rate limiter.
//
// Buckets are created on demand in a mutex-guarded map. Idle buckets are
// evicted after a TTL via opportunistic cleanup during lookups. Safe for
// concurrent use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    keyFunc
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter constructs a RateLimiter replenishing rps tokens per second
// with the given burst, keyed by keyFn. A burst <= 0 is coerced to 1 so a
// configured-but-tiny limit still admits single requests. Install it with
// Handler().
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
	}
}

// getVisitor returns the limiter for key, creating it if absent, and runs
// opportunistic GC of idle entries after ~5000 lookups.
//
// GC runs BEFORE the requested visitor is touched, so a bucket idle past the
// TTL is evicted even when it is the one being fetched; its caller then
// starts over with a fresh bucket.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		lim := v.limiter
		rl.mu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	rl.mu.Unlock()
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay of an already-settled payment. Replays skip limiting: they cost
// nothing upstream and throttling them would punish exactly the client that
// retried correctly.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass) // set by IdempotencyValidator
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns a Gin middleware enforcing the per-key token buckets.
//
// Replays (IsRateBypass) pass through untouched. Everything else draws one
// token from its key's bucket; an empty bucket answers 429 with the common
// JSON envelope and Retry-After: 1:
//
//	HTTP/1.1 429 Too Many Requests
//	{
//	  "request_id": "<uuid>",
//	  "code":       "rate_limited",
//	  "message":    "rate limit exceeded"
//	}
//
// The edge 429 deliberately shares its code with the gateway-originated
// rate_limited failure so clients have a single backoff path.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		if rl.getVisitor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
