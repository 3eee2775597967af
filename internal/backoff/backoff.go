// Package backoff computes retry delays. It is shared by the public
// RetryPolicy and the runtime so both agree on the schedule.
package backoff

import "time"

const (
	Fixed       = "fixed"
	Exponential = "exponential"
)

// maxShift caps the exponent so large attempt counts cannot overflow.
const maxShift = 30

// Delay returns the wait before retry attempt n (1-indexed).
// Fixed returns base; exponential returns base * 2^(n-1).
func Delay(kind string, base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if kind != Exponential {
		return base
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	return base * time.Duration(1<<shift)
}
