// Package ratelimit provides per-client rate limiting middleware for the
// public API. Audits fan out into many RPC calls, so a single client must
// not be able to monopolise the upstream providers.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/approval-auditor/internal/metrics"
)

// CostFunc returns how many tokens a request consumes.
type CostFunc func(c *gin.Context) int

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute refills each client's bucket; 0 disables limiting.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
	// Cost prices a request in tokens. Nil means one token per request.
	Cost CostFunc
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// AuditCost charges auditCost tokens for POSTs, which start an audit, and one
// token for everything else.
func AuditCost(auditCost int) CostFunc {
	return func(c *gin.Context) int {
		if c.Request.Method == http.MethodPost {
			return auditCost
		}
		return 1
	}
}

// Limiter tracks a token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its idle-client sweeper. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.forgetIdle(now.Add(-2 * l.cfg.CleanupInterval))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) forgetIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[key]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.RequestsPerMinute) / 60.0)
		b = &bucket{limiter: rate.NewLimiter(perSecond, l.cfg.BurstSize)}
		l.clients[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN takes n tokens for key. n is capped at the burst size so an
// expensive request is slow, never impossible.
func (l *Limiter) AllowN(key string, n int) bool {
	if l.cfg.RequestsPerMinute <= 0 {
		return true
	}
	return l.bucket(key).AllowN(time.Now(), l.clamp(n))
}

func (l *Limiter) clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > l.cfg.BurstSize {
		return l.cfg.BurstSize
	}
	return n
}

// retryAfter is how long key must wait for n tokens, in whole seconds.
func (l *Limiter) retryAfter(key string, n int) int {
	r := l.bucket(key).ReserveN(time.Now(), l.clamp(n))
	d := r.Delay()
	r.Cancel()
	return int(math.Max(1, math.Ceil(d.Seconds())))
}

// Middleware rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		cost := 1
		if l.cfg.Cost != nil {
			cost = l.cfg.Cost(c)
		}

		if !l.AllowN(key, cost) {
			metrics.RateLimitedTotal.Inc()
			wait := l.retryAfter(key, cost)
			c.Header("Retry-After", strconv.Itoa(wait))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": wait,
			})
			return
		}

		c.Next()
	}
}
