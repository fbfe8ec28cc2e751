package ghgovernor

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRemainingLimit = 5000
	// headerLimitFloor is the remaining quota at or below which dispatch waits for the reset.
	headerLimitFloor = 5
)

// RateLimitInfo holds the GitHub quota headers of one response. Fields whose
// header was missing or malformed are left zero and flagged false.
type RateLimitInfo struct {
	Limit        int
	Remaining    int
	Used         int
	Reset        time.Time
	Resource     string
	HasRemaining bool
	HasReset     bool
}

func (r *RateLimitInfo) String() string {
	var parts []string
	if r.HasRemaining {
		parts = append(parts, "remaining="+strconv.Itoa(r.Remaining)+"/"+strconv.Itoa(r.Limit))
	}
	if r.HasReset {
		parts = append(parts, "reset="+r.Reset.UTC().Format(time.RFC3339))
	}
	if r.Resource != "" {
		parts = append(parts, "resource="+r.Resource)
	}
	if len(parts) == 0 {
		return "RateLimit{}"
	}
	return "RateLimit{" + strings.Join(parts, ", ") + "}"
}

// ParseRateLimitHeaders reads X-RateLimit-* headers. Invalid values are skipped.
// A reset epoch of zero or less is ignored.
func ParseRateLimitHeaders(h http.Header) *RateLimitInfo {
	info := &RateLimitInfo{}

	if n, ok := leadingInt(h.Get("X-RateLimit-Remaining")); ok {
		info.Remaining = int(n)
		info.HasRemaining = true
	}
	if n, ok := leadingInt(h.Get("X-RateLimit-Reset")); ok && n > 0 {
		info.Reset = time.Unix(n, 0)
		info.HasReset = true
	}
	if n, ok := leadingInt(h.Get("X-RateLimit-Limit")); ok {
		info.Limit = int(n)
	}
	if n, ok := leadingInt(h.Get("X-RateLimit-Used")); ok {
		info.Used = int(n)
	}
	info.Resource = h.Get("X-RateLimit-Resource")
	return info
}

func leadingInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	end := 0
	if s[0] == '-' || s[0] == '+' {
		end = 1
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// quotaTracker remembers the latest quota headers seen.
type quotaTracker struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
}

func newQuotaTracker() *quotaTracker {
	return &quotaTracker{remaining: defaultRemainingLimit}
}

// merge applies the headers that are present; absent ones leave state unchanged.
func (q *quotaTracker) merge(h http.Header) {
	info := ParseRateLimitHeaders(h)
	q.mu.Lock()
	defer q.mu.Unlock()
	if info.HasRemaining {
		q.remaining = info.Remaining
	}
	if info.HasReset {
		q.resetAt = info.Reset
	}
}

// waitFor returns how long to hold off dispatch when the quota is nearly spent.
func (q *quotaTracker) waitFor(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.remaining <= headerLimitFloor && now.Before(q.resetAt) {
		return q.resetAt.Sub(now)
	}
	return 0
}

func (q *quotaTracker) snapshot() (int, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining, q.resetAt
}
