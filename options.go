package ghgovernor

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option configures a Governor.
type Option func(*Governor)

// WithMaxConcurrent caps the number of requests in flight at once.
func WithMaxConcurrent(n int) Option {
	return func(g *Governor) {
		g.maxConcurrent = n
	}
}

// WithGlobalQPS sets the pacing rate; every dispatch waits 1s/qps plus jitter.
func WithGlobalQPS(qps float64) Option {
	return func(g *Governor) {
		g.globalQPS = qps
	}
}

// WithSoftBurst limits dispatches to max within any trailing window.
func WithSoftBurst(window time.Duration, max int) Option {
	return func(g *Governor) {
		g.softBurstWindow = window
		g.softBurstMax = max
	}
}

// WithBackoff sets the exponential backoff base and ceiling.
func WithBackoff(base, max time.Duration) Option {
	return func(g *Governor) {
		g.backoffBase = base
		g.backoffMax = max
	}
}

// WithJitter sets the upper bound of the uniform jitter added to every wait.
func WithJitter(d time.Duration) Option {
	return func(g *Governor) {
		g.jitter = d
	}
}

// WithMaxAttempts sets the attempt budget of a Perform call. Zero and one both
// mean a single dispatch with no retry.
func WithMaxAttempts(n int) Option {
	return func(g *Governor) {
		g.maxAttempts = n
	}
}

// WithCooldownStore enables distributed cooldown coordination through store.
func WithCooldownStore(store CooldownStore) Option {
	return func(g *Governor) {
		g.cooldownStore = store
	}
}

// WithCooldownPrefix sets the key prefix used in the cooldown store.
func WithCooldownPrefix(prefix string) Option {
	return func(g *Governor) {
		g.cooldownPrefix = prefix
	}
}

// WithCooldownBehavior selects between waiting out a cooldown and returning a synthetic 529.
func WithCooldownBehavior(b CooldownBehavior) Option {
	return func(g *Governor) {
		g.cooldownBehavior = b
	}
}

// WithTokenRefresh installs the hook invoked once per call after a 401.
func WithTokenRefresh(fn TokenRefresher) Option {
	return func(g *Governor) {
		g.tokenRefresh = fn
	}
}

// WithAuthProvider sets the Authorization header source; see SetAuthProvider.
func WithAuthProvider(fn AuthProvider) Option {
	return func(g *Governor) {
		g.auth = fn
	}
}

// WithMetricsSink sets the destination of lifecycle events.
func WithMetricsSink(sink MetricsSink) Option {
	return func(g *Governor) {
		g.metrics = sink
	}
}

// WithRandFunc substitutes the random source used for jitter. fn must return values in [0, 1).
func WithRandFunc(fn func() float64) Option {
	return func(g *Governor) {
		g.randFn = fn
	}
}

// WithSleepFunc substitutes the function used for every wait.
func WithSleepFunc(fn SleepFunc) Option {
	return func(g *Governor) {
		g.sleep = fn
	}
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// WithTransport sets the RoundTripper used to reach the server.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Governor) {
		g.httpClient = &http.Client{Transport: rt, Timeout: g.timeout}
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(g *Governor) {
		g.httpClient = client
	}
}

// WithTimeout bounds a single dispatch, not the whole call.
func WithTimeout(d time.Duration) Option {
	return func(g *Governor) {
		g.timeout = d
		if g.httpClient != nil {
			g.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(g *Governor) {
		g.logger = logger
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Governor) {
		g.tracerProvider = tp
	}
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(g *Governor) {
		g.userAgent = ua
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(g *Governor) {
		g.requestIDGen = gen
	}
}

// ValidateConfiguration checks every setting and reports all problems at once.
func (g *Governor) ValidateConfiguration() error {
	var errs []string

	errs = append(errs, g.validateAdmissionConfig()...)
	errs = append(errs, g.validateBackoffConfig()...)
	errs = append(errs, g.validateCooldownConfig()...)
	errs = append(errs, g.validateHooks()...)
	errs = append(errs, g.validateExtremeValues()...)

	if len(errs) > 0 {
		return &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "configuration validation failed",
			Cause:     fmt.Errorf("%w: %v", ErrInvalidConfig, errs),
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (g *Governor) validateAdmissionConfig() []string {
	var errs []string

	if g.maxConcurrent < 1 {
		errs = append(errs, "maxConcurrent must be at least 1")
	}
	if g.globalQPS <= 0 {
		errs = append(errs, "globalQPS must be positive")
	}
	if g.softBurstWindow <= 0 {
		errs = append(errs, "softBurstWindow must be positive")
	}
	if g.softBurstMax < 1 {
		errs = append(errs, "softBurstMax must be at least 1")
	}

	return errs
}

func (g *Governor) validateBackoffConfig() []string {
	var errs []string

	if g.backoffBase < 0 {
		errs = append(errs, "backoffBase must be non-negative")
	}
	if g.backoffMax < 0 {
		errs = append(errs, "backoffMax must be non-negative")
	}
	if g.jitter < 0 {
		errs = append(errs, "jitter must be non-negative")
	}
	if g.maxAttempts < 0 {
		errs = append(errs, "maxAttempts must be non-negative")
	}

	return errs
}

func (g *Governor) validateCooldownConfig() []string {
	var errs []string

	if g.cooldownBehavior != CooldownSleep && g.cooldownBehavior != CooldownSynthetic {
		errs = append(errs, fmt.Sprintf("unknown cooldown behavior %d", g.cooldownBehavior))
	}
	if g.cooldownStore != nil && g.cooldownPrefix == "" {
		errs = append(errs, "cooldownPrefix cannot be empty when a cooldown store is set")
	}

	return errs
}

func (g *Governor) validateHooks() []string {
	var errs []string

	if g.httpClient == nil {
		errs = append(errs, "HTTP client cannot be nil")
	}
	if g.sleep == nil {
		errs = append(errs, "sleep function cannot be nil")
	}
	if g.randFn == nil {
		errs = append(errs, "rand function cannot be nil")
	}
	if g.now == nil {
		errs = append(errs, "clock cannot be nil")
	}
	if g.requestIDGen == nil {
		errs = append(errs, "request ID generator cannot be nil")
	}

	return errs
}

func (g *Governor) validateExtremeValues() []string {
	var errs []string

	if g.maxAttempts > 100 {
		errs = append(errs, "maxAttempts > 100 may cause excessive resource usage")
	}
	if g.backoffMax > 24*time.Hour {
		errs = append(errs, "backoffMax > 24h may cause extremely long delays")
	}
	if g.globalQPS > 1000 {
		errs = append(errs, "globalQPS > 1000 defeats pacing")
	}

	return errs
}
