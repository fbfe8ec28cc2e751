package backoff

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// DefaultRetryHint is used when a Retry-After header is present but not an integer.
const DefaultRetryHint = 60 * time.Second

const maxHintSeconds = math.MaxInt32

// Config holds the tunables of a Calculator.
type Config struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand.Float64.
	Rand func() float64
}

// Calculator computes retry delays from server hints or exponential growth,
// adding uniform jitter in whole milliseconds.
type Calculator struct {
	strategy Strategy
	cfg      Config
}

// NewCalculator creates a calculator using the exponential strategy.
func NewCalculator(cfg Config) *Calculator {
	return NewCalculatorWithStrategy(ExponentialStrategy{}, cfg)
}

// NewCalculatorWithStrategy creates a calculator with an explicit strategy.
func NewCalculatorWithStrategy(strategy Strategy, cfg Config) *Calculator {
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if strategy == nil {
		strategy = ExponentialStrategy{}
	}
	return &Calculator{strategy: strategy, cfg: cfg}
}

// Jitter returns floor(rand * jitterMs) milliseconds added on top of base.
func (c *Calculator) Jitter(base time.Duration) time.Duration {
	jitterMs := float64(c.cfg.Jitter / time.Millisecond)
	if jitterMs <= 0 {
		return base
	}
	r := c.cfg.Rand()
	if r < 0 || math.IsNaN(r) {
		r = 0
	}
	return base + time.Duration(math.Floor(r*jitterMs))*time.Millisecond
}

// Exponential returns the jittered exponential delay, clamped to Max.
func (c *Calculator) Exponential(attempt int) time.Duration {
	d := c.Jitter(c.strategy.Delay(attempt, c.cfg.Base, c.cfg.Max))
	if d > c.cfg.Max {
		d = c.cfg.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Hint converts a raw Retry-After value into a jittered delay. The server's
// hint is honoured even when it exceeds Max.
func (c *Calculator) Hint(value string) time.Duration {
	secs, ok := ParseSeconds(value)
	base := DefaultRetryHint
	if ok {
		base = time.Duration(secs) * time.Second
	}
	if base < 0 {
		base = 0
	}
	return c.Jitter(base)
}

// RetryAfter picks the hint path when present, the exponential path otherwise.
func (c *Calculator) RetryAfter(hint string, hasHint bool, attempt int) time.Duration {
	if hasHint {
		return c.Hint(hint)
	}
	return c.Exponential(attempt)
}

// ParseSeconds reads the leading integer of s, ignoring surrounding spaces and
// trailing garbage ("3", " 3 ", "3s" all yield 3).
func ParseSeconds(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}

	var n int64
	digits := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		if n > maxHintSeconds {
			break
		}
		n = n*10 + int64(r-'0')
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	if n > maxHintSeconds {
		n = maxHintSeconds
	}
	if neg {
		n = -n
	}
	return n, true
}
