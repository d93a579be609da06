// Package backoff computes exponential retry delays. It is a pure function
// over the attempt counter so both the offline queue and the realtime
// reconnect policy share one tested implementation.
package backoff

import "time"

// attempts beyond this would overflow the shift; every realistic maxDelay is
// reached long before.
const maxShift = 32

// Delay returns min(base * 2^attempt, max). attempt is zero-based: the first
// retry waits the base delay. Non-positive inputs yield zero.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 || max <= 0 {
		return 0
	}
	if base >= max {
		return max
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
