package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds the optimistic retry loop shared by every mutation.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Increment   time.Duration
}

// DefaultRetryPolicy retries version conflicts 30 times with a 1ms pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: defaultRetryMaxAttempts, Delay: defaultRetryDelay}
}

// Validate rejects policies that could never attempt or would wait backwards.
func (policy RetryPolicy) Validate() error {
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("%w: retry max attempts must be positive", ErrInvalidServiceConfig)
	}
	if policy.Delay < 0 || policy.Increment < 0 {
		return fmt.Errorf("%w: retry delays must not be negative", ErrInvalidServiceConfig)
	}
	return nil
}

func (policy RetryPolicy) delayBefore(attempt int) time.Duration {
	return policy.Delay + time.Duration(attempt-1)*policy.Increment
}

// withOptimisticRetry runs attempt until it returns anything other than
// errVersionConflict. It reports the number of attempts made. Exhausting the
// policy yields ErrConcurrencyExhausted.
func withOptimisticRetry(ctx context.Context, policy RetryPolicy, onConflict func(attempt int), attempt func(ctx context.Context) error) (int, error) {
	for attemptNumber := 1; ; attemptNumber++ {
		err := attempt(ctx)
		if !errors.Is(err, errVersionConflict) {
			return attemptNumber, err
		}
		if onConflict != nil {
			onConflict(attemptNumber)
		}
		if attemptNumber >= policy.MaxAttempts {
			return attemptNumber, WrapError(errorOperationService, errorSubjectAccount, errorCodeExhausted, ErrConcurrencyExhausted)
		}
		if err := sleepContext(ctx, policy.delayBefore(attemptNumber)); err != nil {
			return attemptNumber, err
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

