package submission

import (
	"context"
	"fmt"
	"time"

	"dhis2submit/internal/services/payload"
)

// RetryPolicy decides how often a retryable outcome is re-submitted.
// The zero value submits once.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration // Delay before attempt n+1 is BaseDelay*n*n
}

// DefaultRetryPolicy performs a single attempt
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1, BaseDelay: 500 * time.Millisecond}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backoff returns the wait after the given failed attempt: 500ms, 2s, 4.5s...
func (p RetryPolicy) backoff(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt*attempt)
}

// SubmitWithRetry submits batch and re-submits while the outcome is
// retryable and attempts remain. Every attempt is counted. Cancelling ctx
// stops the backoff wait but never a request already sent.
func (c *Client) SubmitWithRetry(ctx context.Context, batch *payload.Batch, policy RetryPolicy) Outcome {
	var outcome Outcome
	attempts := 0
	requestCtx := context.WithoutCancel(ctx)

	err := retryWithBackoff(ctx, policy, func() (bool, error) {
		outcome = c.Submit(requestCtx, batch)
		attempts++
		return outcome.Retryable, outcome.Err
	}, func(msg string) {
		c.logger.Warn(msg, "dataset", batch.DatasetID(), "period", batch.Period(), "org_unit", batch.OrgUnit())
	})

	outcome.Attempts = attempts
	if err != nil {
		outcome.Err = err
	}
	return outcome
}

// retryWithBackoff runs operation until it succeeds, reports a
// non-retryable error, or the policy is exhausted
func retryWithBackoff(ctx context.Context, policy RetryPolicy, operation func() (retryable bool, err error), logf func(msg string)) error {
	maxAttempts := policy.attempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryable, err := operation()
		if err == nil {
			if attempt > 1 && logf != nil {
				logf(fmt.Sprintf("Operation succeeded on retry %d/%d", attempt, maxAttempts))
			}
			return nil
		}

		lastErr = err
		if !retryable {
			return err
		}

		if attempt == maxAttempts {
			if logf != nil && maxAttempts > 1 {
				logf(fmt.Sprintf("All %d attempts failed: %v", maxAttempts, err))
			}
			break
		}

		delay := policy.backoff(attempt)
		if logf != nil {
			logf(fmt.Sprintf("Attempt %d/%d failed: %v (retrying in %v)", attempt, maxAttempts, err, delay))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w: %w", attempt, lastErr, ctx.Err())
		case <-timer.C:
		}
	}

	if maxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
