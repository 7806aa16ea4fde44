package flow

import (
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retry behaviour for transient handler
// failures. When a handler fails, the policy decides whether the failure
// is retryable and how long to wait before the next attempt. Exponential
// backoff with jitter avoids synchronized retry storms.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts including
	// the initial one. Must be >= 1; a value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff. The actual
	// delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth retrying. If nil, all
	// errors are considered non-retryable.
	Retryable func(error) bool
}

// Validate checks the policy constraints:
//   - MaxAttempts must be >= 1
//   - if both MaxDelay and BaseDelay are > 0, MaxDelay must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// backoffDelay computes the wait before retry number attempt (zero-based)
// as min(base * 2^attempt, maxDelay) + jitter(0, base).
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	// Jitter spreads concurrent retries apart.
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing, not security

	return delay + jitter
}
