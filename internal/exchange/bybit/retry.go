package bybit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry mechanisms
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	JitterEnabled bool          `yaml:"jitter_enabled"`
}

// DefaultRetryConfig returns a default retry configuration. Validation calls sit on
// the order path, so the budget is a few hundred milliseconds rather than minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the attempts run out
func Retry(ctx context.Context, config RetryConfig, operation string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == config.MaxRetries || !IsRetryableError(err) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateDelay(attempt, config)):
		}
	}

	return fmt.Errorf("%s failed: %w", operation, lastErr)
}

// calculateDelay calculates the delay for a retry attempt with exponential backoff
func calculateDelay(attempt int, config RetryConfig) time.Duration {
	delay := config.InitialDelay
	if attempt > 0 {
		delay = time.Duration(float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt)))
	}
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterEnabled {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
	}
	return delay
}
