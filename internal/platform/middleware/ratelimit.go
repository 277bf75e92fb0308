package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/hashaudit/internal/platform/auth"
	"github.com/ehr/hashaudit/internal/platform/metrics"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an unused client limiter is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore holds one limiter per client key.
type rateLimiterStore struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	config    RateLimitConfig
	lastSweep time.Time
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &rateLimiterStore{
		clients:   make(map[string]*clientLimiter),
		config:    cfg,
		lastSweep: time.Now(),
	}
}

func (s *rateLimiterStore) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > s.config.IdleTTL {
		for k, cl := range s.clients {
			if now.Sub(cl.lastSeen) > s.config.IdleTTL {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.BurstSize)}
		s.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// clientKey prefers the authenticated user and falls back to the client IP.
func clientKey(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.RealIP()
}

// RateLimit returns per-client token bucket rate limiting middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := time.Now()
			limiter := store.get(clientKey(c), now)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			if !limiter.AllowN(now, 1) {
				metrics.RateLimited.Inc()
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(limiter, now)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Max(0, limiter.TokensAt(now)))))
			return next(c)
		}
	}
}

// retryAfterSeconds estimates when one token will be available again.
func retryAfterSeconds(l *rate.Limiter, now time.Time) int {
	if l.Limit() <= 0 {
		return 1
	}
	missing := 1 - l.TokensAt(now)
	secs := int(math.Ceil(missing / float64(l.Limit())))
	if secs < 1 {
		secs = 1
	}
	return secs
}
