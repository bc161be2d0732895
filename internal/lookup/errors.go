package lookup

import (
	"errors"
	"fmt"
)

var (
	// ErrLookupFailed matches every terminal lookup failure.
	ErrLookupFailed = errors.New("lookup failed")
	// ErrRateLimited marks an attempt the marketplace throttled; it is retried.
	ErrRateLimited = errors.New("lookup rate limited")
	// ErrNonPositivePrice rejects a listing whose price is zero or negative.
	ErrNonPositivePrice = errors.New("listing price is not positive")

	errNoItems = errors.New("no items in response")
)

// FailedError reports that every lookup strategy for a key was exhausted.
type FailedError struct {
	Key string
	Err error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("lookup %q failed: %v", e.Key, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrLookupFailed) match any FailedError.
func (e *FailedError) Is(target error) bool {
	return target == ErrLookupFailed
}

// StatusError is a non-success HTTP answer from the marketplace.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("marketplace returned %d", e.Status)
	}
	return fmt.Sprintf("marketplace returned %d: %s", e.Status, e.Body)
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
