package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/inflo-ai/relay/internal/types"
)

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the retry policy used for tier store calls
// and handoff deliveries: up to 3 attempts with exponential backoff
// starting at 1s and doubling.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, the attempts are exhausted, or ctx is cancelled.
//
// Only errors marked retryable (types.IsRetryable) are retried; anything
// else returns immediately so validation and state-machine rejections are
// never replayed. Cancellation mid-backoff returns ctx.Err() without
// another attempt, leaving state exactly as of the last completed call.
// Exhaustion wraps the last error with UNAVAILABLE.
func Retry(ctx context.Context, config *RetryConfig, fn func(ctx context.Context) error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !types.IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return types.WrapError(types.UNAVAILABLE,
		fmt.Sprintf("retry attempts (%d) exhausted", config.MaxAttempts), lastErr)
}
