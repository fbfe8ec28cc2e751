package ghgovernor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error types carried by ClientError.
const (
	ErrorTypeNetwork    = "NetworkError"
	ErrorTypeCanceled   = "CanceledError"
	ErrorTypeValidation = "ValidationError"
	ErrorTypeRequest    = "RequestError"
)

// Sentinel errors for common failure scenarios
var (
	// ErrInvalidConfig is wrapped by the error New returns for a bad configuration.
	ErrInvalidConfig = errors.New("ghgovernor: invalid configuration")

	// ErrAttemptsExhausted is wrapped when every attempt ended in a transport failure.
	ErrAttemptsExhausted = errors.New("ghgovernor: attempts exhausted")

	// ErrInvalidURL is wrapped when a request URL lacks a scheme or host.
	ErrInvalidURL = errors.New("ghgovernor: invalid request url")
)

// ClientError describes a failed Perform call.
type ClientError struct {
	Type        string
	Message     string
	Cause       error
	RequestID   string
	Method      string
	URL         string
	Endpoint    string
	StatusCode  int
	Attempt     int
	MaxAttempts int
	Timestamp   time.Time
	Duration    time.Duration
}

// IsTransient reports whether err is worth retrying later: transport failures
// and exhausted attempts are, cancellations and bad configuration are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrAttemptsExhausted) {
		return true
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrorTypeNetwork
	}
	return false
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders the error as a single logfmt-style line carrying every
// non-empty field, for attaching to a log entry.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	field := func(k string, v any) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%q", k, fmt.Sprint(v))
	}
	field("type", e.Type)
	field("message", e.Message)
	if e.RequestID != "" {
		field("request_id", e.RequestID)
	}
	if e.Method != "" {
		field("method", e.Method)
	}
	if e.URL != "" {
		field("url", e.URL)
	}
	if e.Endpoint != "" {
		field("endpoint", e.Endpoint)
	}
	if e.StatusCode > 0 {
		field("status", e.StatusCode)
	}
	if e.Attempt > 0 {
		field("attempt", fmt.Sprintf("%d/%d", e.Attempt, e.MaxAttempts))
	}
	if !e.Timestamp.IsZero() {
		field("at", e.Timestamp.UTC().Format(time.RFC3339))
	}
	if e.Duration > 0 {
		field("elapsed", e.Duration)
	}
	if e.Cause != nil {
		field("cause", e.Cause)
	}
	return b.String()
}
