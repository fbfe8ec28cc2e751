package ghgovernor

import (
	"sync/atomic"
	"time"
)

// hardBlock is the process-wide deadline set by any 403/429. Until it passes
// no request of any endpoint is dispatched.
type hardBlock struct {
	until atomic.Int64 // unix nanoseconds, 0 when never tripped
}

// Trip extends the deadline to until. A deadline is never shortened.
func (hb *hardBlock) Trip(until time.Time) {
	n := until.UnixNano()
	for {
		cur := hb.until.Load()
		if n <= cur {
			return
		}
		if hb.until.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Remaining returns how long callers must still wait at now.
func (hb *hardBlock) Remaining(now time.Time) time.Duration {
	n := hb.until.Load()
	if n == 0 {
		return 0
	}
	if d := time.Unix(0, n).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Until returns the current deadline, zero if never tripped.
func (hb *hardBlock) Until() time.Time {
	n := hb.until.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
