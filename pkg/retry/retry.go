package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	Enabled      bool          // Enable/disable retry logic
	MaxAttempts  int           // Total attempts including the first call
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap on the delay between attempts
	Multiplier   float64       // Exponential backoff multiplier (typically 2.0)
	Jitter       bool          // Spread delays by up to ±25%

	// RetryableErrors limits retries to errors matching one of these via
	// errors.Is. Empty means every error is retryable.
	RetryableErrors []error
	// NonRetryableErrors stop the loop immediately when matched.
	NonRetryableErrors []error
	// Retryable, when set, decides instead of the two lists.
	Retryable func(error) bool
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ErrExhausted wraps the last error once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. The last fn error stays reachable
// through errors.Is.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := Do(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do is Retry for functions returning a value.
func Do[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled || cfg.MaxAttempts <= 1 {
		return fn()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("retry cancelled: %w (last error: %w)", err, lastErr)
			}
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.shouldRetry(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w (last error: %w)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}

func (cfg Config) shouldRetry(err error) bool {
	if cfg.Retryable != nil {
		return cfg.Retryable(err)
	}
	if matchesAny(err, cfg.NonRetryableErrors) {
		return false
	}
	if len(cfg.RetryableErrors) > 0 {
		return matchesAny(err, cfg.RetryableErrors)
	}
	return true
}

// delay is the wait after the given 1-based attempt.
func (cfg Config) delay(attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}

	if cfg.Jitter && d > 0 {
		spread := d / 4
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
