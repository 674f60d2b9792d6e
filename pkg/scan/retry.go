package scan

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/datatide/mongoscan/pkg/config"
)

// RetryPolicy defines bounded retry with exponential backoff for transient
// failures at the executor boundary.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// PolicyFromConfig derives a retry policy from the reliability settings.
func PolicyFromConfig(r config.ReliabilityConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     r.RetryAttempts + 1,
		InitialDelay:    r.RetryDelay,
		MaxDelay:        r.MaxRetryDelay,
		Multiplier:      r.RetryMultiplier,
		RandomizeFactor: 0.25,
	}
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// ExecuteWithCondition runs fn, retrying with backoff only while shouldRetry
// accepts the error. Non-retryable errors return immediately and untouched.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		// Don't retry on the last attempt
		if attempt == rp.MaxAttempts-1 {
			break
		}

		delay := rp.calculateDelay(attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", rp.MaxAttempts, lastErr)
}

// calculateDelay calculates the backoff delay for a given attempt.
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	// Jitter
	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		delay = delay - delta + (rand.Float64() * 2 * delta) //nolint:gosec
	}

	return time.Duration(delay)
}

// GetDelay returns the delay for a specific attempt (for testing/preview).
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	return rp.calculateDelay(attempt)
}
