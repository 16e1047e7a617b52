package taskrelay

import (
	"context"
	"fmt"
	"time"
)

type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, delay time.Duration) error
}

// delay returns the wait before the attempt following attempt (0-based).
func (p retryPolicy) delay(attempt int) time.Duration {
	delay := p.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// run retries fn while it returns *BackendError, up to maxAttempts calls.
// A panic inside fn is a final failure.
func (p retryPolicy) run(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) (attempts int, err error) {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	maxAttempts := p.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts = attempt + 1
		err = callRecovered(ctx, fn)
		if err == nil {
			return attempts, nil
		}
		if !IsBackendError(err) {
			return attempts, err
		}
		if attempt+1 >= maxAttempts {
			break
		}
		delay := p.delay(attempt)
		if onRetry != nil {
			onRetry(attempts, delay, err)
		}
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return attempts, err
		}
	}
	return attempts, err
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("backend panicked: %v", e.value)
}

func callRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &panicError{value: recovered}
		}
	}()
	return fn(ctx)
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
