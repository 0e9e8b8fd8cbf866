package middleware

import (
	"strconv"
	"sync"
	"time"

	"camstream/pkg/config"
	"camstream/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client's limiter survives without requests.
const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore stores per-client rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	rate      rate.Limit
	burstSize int
	lastPrune time.Time
	now       func() time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*clientLimiter),
		rate:      r,
		burstSize: burst,
		now:       time.Now,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPrune) >= limiterIdleTTL {
		s.pruneLocked(now)
	}

	cl, exists := s.limiters[key]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (s *rateLimiterStore) pruneLocked(now time.Time) {
	for key, cl := range s.limiters {
		if now.Sub(cl.lastSeen) >= limiterIdleTTL {
			delete(s.limiters, key)
		}
	}
	s.lastPrune = now
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// NewHTTPRateLimitMiddleware applies per-client-IP rate limiting and an
// optional cap on concurrent requests. Paths in exempt skip the concurrency
// cap, since a stream response holds its slot for as long as it runs.
func NewHTTPRateLimitMiddleware(cfg *config.Config, exempt ...string) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}
	exemptPaths := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		exemptPaths[p] = struct{}{}
	}

	return func(c *gin.Context) {
		limiter := store.getLimiter(c.ClientIP())
		if !limiter.Allow() {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(limiter.Limit())))
			_ = c.Error(errors.NewRateLimitError())
			c.Abort()
			return
		}

		if _, skip := exemptPaths[c.FullPath()]; globalSem != nil && !skip {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				_ = c.Error(errors.NewServiceUnavailableError("too many concurrent requests"))
				c.Abort()
				return
			}
		}

		c.Next()
	}
}

func retryAfterSeconds(limit rate.Limit) int {
	if limit <= 0 {
		return 1
	}
	secs := int(1/float64(limit) + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}
