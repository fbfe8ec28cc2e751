package backoff

import (
	"time"
)

// Strategy defines how the un-jittered delay grows with the attempt number.
type Strategy interface {
	// Delay returns the delay for the given 1-based attempt, never above max.
	Delay(attempt int, base, max time.Duration) time.Duration
}

// ExponentialStrategy doubles the base delay on every attempt: base * 2^(attempt-1).
type ExponentialStrategy struct{}

// Delay implements Strategy. Attempts below 1 are treated as the first attempt.
func (ExponentialStrategy) Delay(attempt int, base, max time.Duration) time.Duration {
	if max <= 0 || base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		// Stop doubling once saturated so huge attempt numbers cannot overflow.
		if d >= max {
			return max
		}
		d *= 2
		if d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
