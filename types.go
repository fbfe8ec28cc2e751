package ghgovernor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// StatusCooldown is the status of the synthetic response returned while an
// endpoint is cooling down and CooldownSynthetic is configured.
const StatusCooldown = 529

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Synthetic is set when the response was produced locally without contacting the server.
	Synthetic bool
}

// RequestOptions tunes a single Perform call. The zero value uses defaults.
type RequestOptions struct {
	// EndpointKey identifies the endpoint for cooldown coordination and metrics.
	// Defaults to "METHOD URL".
	EndpointKey string
	// CacheKey selects the ETag cache slot. Defaults to "METHOD URL".
	CacheKey string
}

// PaginateResult summarizes a paginated walk.
type PaginateResult struct {
	Changed   bool
	PageCount int
	CacheHit  bool
	Items     []json.RawMessage
}

// RateLimitState is a point-in-time view of the governor's rate limiting state.
type RateLimitState struct {
	Remaining      int
	ResetAt        time.Time
	HardBlockUntil time.Time
	InFlight       int
	MaxConcurrent  int
	WindowCount    int
}

// CooldownBehavior selects what Perform does when a distributed cooldown is active.
type CooldownBehavior int

const (
	// CooldownSleep waits out the remaining cooldown, then proceeds.
	CooldownSleep CooldownBehavior = iota
	// CooldownSynthetic returns a 529 response without contacting the server.
	CooldownSynthetic
)

func (b CooldownBehavior) String() string {
	switch b {
	case CooldownSleep:
		return "sleep"
	case CooldownSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// ParseCooldownBehavior maps "sleep" and "synthetic" to a CooldownBehavior.
func ParseCooldownBehavior(s string) (CooldownBehavior, bool) {
	switch s {
	case "sleep", "":
		return CooldownSleep, true
	case "synthetic":
		return CooldownSynthetic, true
	default:
		return CooldownSleep, false
	}
}

// AuthProvider returns the Authorization header value to send.
type AuthProvider func(ctx context.Context) (string, error)

// TokenRefresher renews credentials after a 401. The next AuthProvider call
// is expected to return the renewed value.
type TokenRefresher func(ctx context.Context) error

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func defaultSleep(ctx context.Context, d time.Duration) error {
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
