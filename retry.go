package coinqw

import (
	"time"

	"github.com/UniQw/coinqw/internal/backoff"
)

// BackoffType selects how the wait between attempts grows.
type BackoffType string

const (
	// BackoffFixed waits Delay before every retry.
	BackoffFixed BackoffType = backoff.Fixed
	// BackoffExponential waits Delay * 2^(k-1) before retry k.
	BackoffExponential BackoffType = backoff.Exponential
)

// RetryPolicy is the explicit retry configuration carried by every job.
type RetryPolicy struct {
	// Attempts is the total number of executions allowed, including the first.
	Attempts int
	Backoff  BackoffType
	Delay    time.Duration
}

// NoRetry runs a job once.
var NoRetry = RetryPolicy{Attempts: 1, Backoff: BackoffFixed}

// DelayFor returns the wait before retry k (1-indexed).
func (p RetryPolicy) DelayFor(k int) time.Duration {
	return backoff.Delay(string(p.Backoff), p.Delay, k)
}

// Validate checks the policy is usable.
func (p RetryPolicy) Validate() error {
	if p.Attempts < 1 {
		return ErrInvalidAttempts
	}
	return nil
}
