package llm

import (
	"context"
	"errors"
	"time"

	"github.com/quantloft/orcad/internal/retry"
)

// base holds shared retry configuration for vendor clients.
type base struct {
	name   string
	policy retry.Config
}

func newBase(name string, maxRetries int, retryDelay time.Duration) base {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return base{name: name, policy: retry.Linear(maxRetries, retryDelay)}
}

// retry runs op with the base's linear backoff policy, stopping early when
// isRetryable says the error is not worth another attempt.
func (b *base) retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	result := retry.Do(ctx, b.policy, func() error {
		err := op()
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if result.Err == nil {
		return nil
	}
	var permanent *retry.PermanentError
	if errors.As(result.Err, &permanent) {
		return permanent.Unwrap()
	}
	return result.Err
}
