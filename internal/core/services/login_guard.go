package services

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginGuard tracks failed logins per client IP with a token bucket: each
// failure spends a token, maxFailures tokens refill over window. An IP
// with no token left is blocked.
type LoginGuard struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	window  time.Duration
	entries map[string]*guardEntry
	now     func() time.Time
}

type guardEntry struct {
	limiter     *rate.Limiter
	lastFailure time.Time
}

func NewLoginGuard(maxFailures int, window time.Duration, now func() time.Time) *LoginGuard {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &LoginGuard{
		limit:   rate.Every(window / time.Duration(maxFailures)),
		burst:   maxFailures,
		window:  window,
		entries: make(map[string]*guardEntry),
		now:     now,
	}
}

func (g *LoginGuard) Blocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[ip]
	if !ok {
		return false
	}
	return e.limiter.TokensAt(g.now()) < 1
}

func (g *LoginGuard) RecordFailure(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	e, ok := g.entries[ip]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.entries[ip] = e
	}
	e.limiter.AllowN(now, 1)
	e.lastFailure = now
}

// Reset forgets an IP after a successful login.
func (g *LoginGuard) Reset(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, ip)
}

// Prune drops IPs whose last failure is older than the window; their
// bucket has refilled completely.
func (g *LoginGuard) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	n := 0
	for ip, e := range g.entries {
		if now.Sub(e.lastFailure) >= g.window {
			delete(g.entries, ip)
			n++
		}
	}
	return n
}

func (g *LoginGuard) BlockedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	n := 0
	for _, e := range g.entries {
		if e.limiter.TokensAt(now) < 1 {
			n++
		}
	}
	return n
}
