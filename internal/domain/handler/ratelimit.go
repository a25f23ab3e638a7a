package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jmerrifield20/cloakgate/internal/identity"
)

// RateLimitConfig configures the per-client limiter.
type RateLimitConfig struct {
	RPS   int
	Burst int
	// EdgeKey exempts requests presenting the shared edge key. The edge
	// resolves on every cache miss and shares one egress address.
	EdgeKey string
	// IdleTTL drops buckets not seen for this long (default 10m).
	IdleTTL time.Duration
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	cfg     RateLimitConfig
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting. Idle buckets are swept every 5 minutes until ctx is done.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Burst < cfg.RPS {
		cfg.Burst = cfg.RPS
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	rl := &rateLimiter{buckets: make(map[string]*clientBucket), cfg: cfg}
	go rl.sweep(ctx, 5*time.Minute)

	return func(c *gin.Context) {
		if rl.exempt(c) {
			c.Next()
			return
		}
		if !rl.allow(c.ClientIP(), time.Now()) {
			cgRateLimitedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (rl *rateLimiter) exempt(c *gin.Context) bool {
	if rl.cfg.EdgeKey == "" {
		return false
	}
	got := c.GetHeader(identity.EdgeKeyHeader)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(rl.cfg.EdgeKey)) == 1
}

func (rl *rateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RPS), rl.cfg.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evictIdle(now)
		}
	}
}

func (rl *rateLimiter) evictIdle(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.cfg.IdleTTL {
			delete(rl.buckets, key)
			n++
		}
	}
	return n
}
