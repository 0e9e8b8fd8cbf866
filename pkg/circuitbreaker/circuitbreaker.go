package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the protected function.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Config controls when the breaker trips and how it recovers.
type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold successful probes close it again.
	SuccessThreshold int
	// Timeout is how long it stays open before probing.
	Timeout time.Duration
	// MaxRequestsHalfOpen caps concurrent probes.
	MaxRequestsHalfOpen int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

// CircuitBreaker stops calling a device that keeps failing and lets a few
// probes through once Timeout has passed.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	stats    Stats
	onChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	cfg.FailureThreshold = max(cfg.FailureThreshold, 1)
	cfg.SuccessThreshold = max(cfg.SuccessThreshold, 1)
	cfg.MaxRequestsHalfOpen = max(cfg.MaxRequestsHalfOpen, 1)

	return &CircuitBreaker{
		cfg:   cfg,
		now:   time.Now,
		stats: Stats{State: StateClosed, StateChangeTime: time.Now()},
	}
}

// WithClock replaces the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	cb.stats.StateChangeTime = now()
	return cb
}

// OnStateChange registers fn; it runs on its own goroutine.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Call runs fn through the breaker. Errors from fn come back unchanged
// and count as failures.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if state, ok := cb.admit(); !ok {
		return zero, fmt.Errorf("%w: state %s", ErrOpen, state)
	}

	v, err := fn()
	cb.record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func (cb *CircuitBreaker) admit() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stats.State {
	case StateOpen:
		if cb.now().Sub(cb.stats.StateChangeTime) < cb.cfg.Timeout {
			return StateOpen, false
		}
		cb.setStateLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.stats.HalfOpenRequests >= cb.cfg.MaxRequestsHalfOpen {
			return StateHalfOpen, false
		}
		cb.stats.HalfOpenRequests++
	}
	return cb.stats.State, true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.stats.FailureCount++
		cb.stats.SuccessCount = 0
		cb.stats.LastFailureTime = cb.now()
		if cb.stats.State == StateHalfOpen || cb.stats.FailureCount >= cb.cfg.FailureThreshold {
			cb.setStateLocked(StateOpen)
		}
		return
	}

	cb.stats.FailureCount = 0
	cb.stats.SuccessCount++
	if cb.stats.State == StateHalfOpen {
		cb.stats.HalfOpenRequests--
		if cb.stats.SuccessCount >= cb.cfg.SuccessThreshold {
			cb.setStateLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setStateLocked(to State) {
	from := cb.stats.State
	if from == to {
		return
	}
	cb.stats.State = to
	cb.stats.StateChangeTime = cb.now()
	cb.stats.FailureCount = 0
	cb.stats.SuccessCount = 0
	cb.stats.HalfOpenRequests = 0

	if fn := cb.onChange; fn != nil {
		go fn(from, to)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.stats.State
}

func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.stats
}

// Tripped reports whether the next call would be rejected outright. An
// open breaker past its Timeout is not tripped; the next call probes.
func (cb *CircuitBreaker) Tripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.stats.State == StateOpen && cb.now().Sub(cb.stats.StateChangeTime) < cb.cfg.Timeout
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateClosed)
}
