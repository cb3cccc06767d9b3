package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPConfig configures the per-IP API limiter.
type HTTPConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleTTL is how long an idle client's bucket is kept.
	IdleTTL time.Duration
}

// DefaultHTTPConfig returns the API limiter defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           5 * time.Minute,
	}
}

// HTTPLimiter is a token bucket per client key. It throttles the API
// surface; agent spending is governed by State.
type HTTPLimiter struct {
	cfg     HTTPConfig
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	stopped sync.Once
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewHTTPLimiter starts a limiter and its idle sweeper.
func NewHTTPLimiter(cfg HTTPConfig) *HTTPLimiter {
	l := &HTTPLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if cfg.IdleTTL > 0 {
		go l.sweep()
	}
	return l
}

func (l *HTTPLimiter) sweep() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := l.now().Add(-l.cfg.IdleTTL)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the sweeper. Safe to call more than once.
func (l *HTTPLimiter) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket.
func (l *HTTPLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), seen: now}
		return l.cfg.BurstSize > 0
	}

	refill := now.Sub(b.seen).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens = min(b.tokens+refill, float64(l.cfg.BurstSize))
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware throttles by client IP. Caller headers are not trusted for
// keying since a client can rotate them freely.
func (l *HTTPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
