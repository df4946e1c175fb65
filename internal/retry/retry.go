// Package retry runs operations under a bounded attempt policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy describes how many times an operation runs and how long to wait
// between attempts.
type Policy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts:        attempts,
		InitialInterval:    delay,
		BackoffCoefficient: 1,
	}
}

// Backoff returns the wait after the given attempt (1-based) fails.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.InitialInterval <= 0 {
		return 0
	}
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(coef, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return time.Duration(delay)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls fn until it succeeds, the policy is exhausted, permanent reports
// true for the returned error, or ctx ends. fn receives the 1-based attempt.
func Do(ctx context.Context, p Policy, fn func(attempt int) error, permanent func(error) bool) error {
	maxAttempts := p.attempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if permanent != nil && permanent(err) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return fmt.Errorf("retry wait: %w", err)
		}
	}
	if maxAttempts == 1 {
		return lastErr
	}
	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
