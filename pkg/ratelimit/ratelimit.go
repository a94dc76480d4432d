package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/telekom/omnibus-reconciler/pkg/apiresponses"
	"github.com/telekom/omnibus-reconciler/pkg/metrics"
)

// Config holds rate limiter configuration
type Config struct {
	// Rate is the number of requests allowed per second
	Rate float64
	// Burst is the maximum number of requests allowed in a burst
	Burst int
	// CleanupInterval is how often to clean up stale entries
	CleanupInterval time.Duration
	// MaxAge is how long to keep an entry after last access
	MaxAge time.Duration
}

// DefaultAPIConfig returns default config for read endpoints:
// 20 req/s per client, burst of 50
func DefaultAPIConfig() Config {
	return Config{
		Rate:            20,
		Burst:           50,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

// DefaultTriggerConfig returns default config for endpoints that start work
// (manual sync runs, reconcile triggers): 1 req/s per client, burst of 5
func DefaultTriggerConfig() Config {
	return Config{
		Rate:            1,
		Burst:           5,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

// entry holds rate limiter and last access time for a client
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter implements per-client rate limiting with automatic cleanup.
// Clients are keyed by IP unless a key function is set.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	config  Config
	keyFunc func(*gin.Context) string
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// New creates a new per-client rate limiter with the given configuration
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 5 * time.Minute
	}

	rl := &Limiter{
		entries: make(map[string]*entry),
		config:  cfg,
		keyFunc: func(c *gin.Context) string { return c.ClientIP() },
		now:     time.Now,
		done:    make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// WithKeyFunc keys clients by fn instead of the client IP.
func (rl *Limiter) WithKeyFunc(fn func(*gin.Context) string) *Limiter {
	rl.keyFunc = fn
	return rl
}

// Allow checks if a request from the given client should be allowed
func (rl *Limiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.entries[key]
	if !exists {
		e = &entry{
			limiter: rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst),
		}
		rl.entries[key] = e
	}
	e.lastAccess = rl.now()

	return e.limiter.Allow()
}

// Middleware returns a Gin middleware that applies per-client rate limiting
func (rl *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(rl.keyFunc(c)) {
			path := c.FullPath()
			if path == "" {
				path = "unmatched"
			}
			metrics.APIRateLimited.WithLabelValues(path).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apiresponses.APIError{
				Error: "Rate limit exceeded, please try again later",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *Limiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

func (rl *Limiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.cleanupStaleEntries()
		}
	}
}

// cleanupStaleEntries removes entries that haven't been accessed recently
func (rl *Limiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, e := range rl.entries {
		if now.Sub(e.lastAccess) > rl.config.MaxAge {
			delete(rl.entries, key)
		}
	}
}

// Len returns the current number of tracked clients
func (rl *Limiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Config returns a copy of the current configuration
func (rl *Limiter) Config() Config {
	return rl.config
}
