package lookup

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy retries rate-limited attempts with a fixed backoff.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy allows three retries spaced 1.5s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Backoff: 1500 * time.Millisecond, Sleep: SleepContext}
}

// Do runs fn until it succeeds, fails with something other than
// ErrRateLimited, or the retry budget is spent.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrRateLimited) {
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}
		if sleepErr := sleep(ctx, p.Backoff); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
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
