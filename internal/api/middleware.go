// internal/api/middleware.go
package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter tracks request budgets in fixed windows, keyed per client
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.RWMutex
}

// Visitor is the remaining budget for one client in the current window
type Visitor struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter builds an empty limiter and starts its janitor
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{visitors: make(map[string]*Visitor)}

	// Prune expired windows in the background
	go rl.cleanup()
	return rl
}

// cleanup removes visitors whose window expired over an hour ago
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		rl.mu.Lock()
		for key, v := range rl.visitors {
			if now.After(v.Reset) {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow consumes one unit of budget; false means the window is spent
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[key]
	if !ok || now.After(v.Reset) {
		// First request, or the previous window has expired
		rl.visitors[key] = &Visitor{Limit: limit, Remaining: limit - 1, Reset: now.Add(window)}
		return true
	}

	if v.Remaining <= 0 {
		return false
	}
	v.Remaining--
	return true
}

// GetRateLimitHeaders reports limit, remaining and reset time for a key
func (rl *RateLimiter) GetRateLimitHeaders(key string, limit int, window time.Duration) (int, int, int64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	v, ok := rl.visitors[key]
	if !ok {
		return limit, limit, time.Now().Add(window).Unix()
	}
	return limit, max(v.Remaining, 0), v.Reset.Unix()
}

// Shared across all routes so limits apply process-wide
var rateLimiter = NewRateLimiter()

// RateLimitMiddleware enforces a budget and always exposes X-RateLimit headers
func RateLimitMiddleware(limit int, window time.Duration, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)
		allowed := rateLimiter.Allow(key, limit, window)

		curLimit, remaining, reset := rateLimiter.GetRateLimitHeaders(key, limit, window)
		c.Header("X-RateLimit-Limit", strconv.Itoa(curLimit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "Rate limit exceeded",
				"code":      "RATE_LIMIT_EXCEEDED",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RateLimitByIP keys the budget on the caller address
func RateLimitByIP(limit int, window time.Duration) gin.HandlerFunc {
	return RateLimitMiddleware(limit, window, func(c *gin.Context) string {
		// ClientIP honors X-Forwarded-For behind trusted proxies
		return c.ClientIP()
	})
}

// BuildRateLimit applies rate limiting for build endpoints.
// Each build fans out dozens of LLM calls, so submissions stay low.
func BuildRateLimit() gin.HandlerFunc {
	return RateLimitByIP(10, time.Hour)
}

// ExportRateLimit caps file exports separately from the baseline
func ExportRateLimit() gin.HandlerFunc {
	// 30 exports per minute per IP
	return RateLimitByIP(30, time.Minute)
}

// DefaultRateLimit is the baseline budget every /api route gets
func DefaultRateLimit() gin.HandlerFunc {
	// 120 requests per minute by IP
	return RateLimitByIP(120, time.Minute)
}
