package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"storywriter/pkg/llm/llmerrors"
)

// retryConfigFor resolves the backoff budget for a classified error.
// Unclassified errors fall under the unknown-type budget.
func retryConfigFor(err error) llmerrors.RetryConfig {
	if cfg, ok := llmerrors.DefaultRetryConfigs[llmerrors.TypeOf(err)]; ok {
		return cfg
	}
	return llmerrors.DefaultRetryConfigs[llmerrors.ErrorTypeUnknown]
}

// isRetryable reports whether another attempt could succeed. Auth and
// bad-prompt errors never change on retry; unavailable is already the
// post-exhaustion verdict.
func isRetryable(err error) bool {
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeAuth, llmerrors.ErrorTypeBadPrompt, llmerrors.ErrorTypeUnavailable:
		return false
	default:
		return true
	}
}

// delayBeforeAttempt computes the backoff delay preceding the given attempt
// number, growing exponentially from the config's initial delay.
func delayBeforeAttempt(cfg llmerrors.RetryConfig, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-2)))

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	// ±10% jitter.
	if cfg.Jitter && delay > 0 {
		delay += time.Duration((rand.Float64()*2 - 1) * 0.1 * float64(delay)) //nolint:gosec // Jitter needs no crypto randomness
		if delay < 0 {
			delay = cfg.InitialDelay
		}
	}

	return delay
}

// runWithRetry drives fn until it succeeds, the per-type budget runs out, or
// the context ends. Each failure consults the budget of that failure's own
// error type, so a transient blip and a rate-limit answer back off on their
// own schedules. Exhausted retryable errors come back as unavailable.
func (e *Executor) runWithRetry(ctx context.Context, stage string, fn func() error) error {
	var lastErr error
	attempt := 0

	for {
		attempt++

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		// Cancellation is the caller's verdict, never retried.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		cfg := retryConfigFor(err)
		if !isRetryable(err) || attempt > cfg.MaxRetries {
			break
		}

		delay := delayBeforeAttempt(cfg, attempt+1)
		e.logger.Warn("⚠️  Stage %s attempt %d failed (%s), retrying in %s: %v",
			stage, attempt, llmerrors.TypeOf(err), delay.Round(time.Millisecond), err)

		if delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	if isRetryable(lastErr) {
		return llmerrors.NewUnavailableError(lastErr, attempt)
	}
	return lastErr
}
