package providers

import (
	"context"
	"time"

	"github.com/reasonhub/reasonhub/internal/backoff"
)

// BaseProvider holds shared retry configuration for LLM providers.
type BaseProvider struct {
	name   string
	policy backoff.BackoffPolicy
	// maxRetries is the attempt ceiling passed to Retry; kept separate from
	// the policy so callers can tune attempt count and delay shape
	// independently.
	maxRetries int
}

// NewBaseProvider creates a base provider with sane defaults. retryDelay
// becomes the policy's initial delay; the policy otherwise uses
// backoff.DefaultPolicy's factor and jitter.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	policy := backoff.DefaultPolicy()
	policy.InitialMs = float64(retryDelay.Milliseconds())
	return BaseProvider{
		name:       name,
		policy:     policy,
		maxRetries: maxRetries,
	}
}

// Retry executes op with exponential backoff and jitter if isRetryable
// returns true for the error it produced.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
			if isRetryable == nil || !isRetryable(err) {
				return err
			}
			if attempt >= b.maxRetries {
				break
			}
			if err := backoff.SleepWithBackoff(ctx, b.policy, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}
