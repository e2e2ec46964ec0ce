package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRetryAborted       = errors.New("retry aborted")
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each wait by up to 10% either way
	Jitter bool

	// DelayFirst waits InitialDelay before the first attempt as well,
	// for callers that know the resource is not ready yet.
	DelayFirst bool

	// OnFailure is called after every failed attempt.
	OnFailure func(attempt int, err error)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	return c
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context) error

// Retry executes a function with exponential backoff retry logic.
// It returns the number of attempts made alongside the outcome.
func Retry(ctx context.Context, config RetryConfig, fn RetryFunc) (int, error) {
	config = config.withDefaults()

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if attempt > 1 || config.DelayFirst {
			wait := delay
			if config.Jitter {
				wait = addJitter(wait)
			}
			if err := sleep(ctx, wait); err != nil {
				return attempt - 1, fmt.Errorf("%w: %v", ErrRetryAborted, err)
			}
			delay = nextDelay(delay, config.Multiplier, config.MaxDelay)
		} else if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRetryAborted, err)
		}

		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if config.OnFailure != nil {
			config.OnFailure(attempt, err)
		}

		if !isRetryable(err) {
			return attempt, err
		}
	}

	return config.MaxAttempts, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
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

func nextDelay(d time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(d) * multiplier)
	if next > max {
		next = max
	}
	return next
}

// isRetryable determines if an error should trigger a retry.
// Context errors are final.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// addJitter adds randomness to backoff duration
func addJitter(d time.Duration) time.Duration {
	// ±10%
	jitter := float64(d) * 0.2
	offset := (float64(time.Now().UnixNano()%1000) / 1000.0) * jitter
	return time.Duration(float64(d) + offset - jitter/2)
}

// Schedule lists the delays Retry will wait for a config with DelayFirst set,
// before jitter
func Schedule(config RetryConfig) []time.Duration {
	config = config.withDefaults()
	out := make([]time.Duration, 0, config.MaxAttempts)
	d := config.InitialDelay
	for i := 0; i < config.MaxAttempts; i++ {
		out = append(out, d)
		d = nextDelay(d, config.Multiplier, config.MaxDelay)
	}
	return out
}
