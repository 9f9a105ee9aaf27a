// Package httpmiddleware holds the HTTP-level guards that sit in front
// of the attendance API.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Limiter throttles requests per client IP. Camera retries on a flaky
// submission arrive in quick bursts, so the full minute budget is
// available up front. State is in-process; each API replica enforces
// its own budget.
type Limiter struct {
	capacity float64
	perMin   float64
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens  float64
	updated time.Time
}

// NewLimiter allows perMinute requests per client IP.
func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Limiter{
		capacity: float64(perMinute),
		perMin:   float64(perMinute),
		now:      time.Now,
		buckets:  make(map[string]*bucket),
	}
}

// Middleware enforces the per-IP budget. Rejections use the same error
// shape as the engine so device clients back off and retry.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if !l.take(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "too many requests",
				"retryable": true,
			})
			return
		}
		c.Next()
	}
}

func (l *Limiter) take(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= 4096 {
			l.prune(now)
		}
		l.buckets[key] = &bucket{tokens: l.capacity - 1, updated: now}
		return true
	}

	b.tokens += now.Sub(b.updated).Minutes() * l.perMin
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.updated = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// prune drops buckets idle long enough to have refilled completely.
// Called with the lock held.
func (l *Limiter) prune(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.updated) > time.Minute {
			delete(l.buckets, key)
		}
	}
}
