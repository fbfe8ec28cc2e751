package ghgovernor

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ambiyansyah-risyal/ghgovernor/internal/admission"
	"github.com/ambiyansyah-risyal/ghgovernor/internal/backoff"
	"github.com/ambiyansyah-risyal/ghgovernor/internal/singleflight"
)

// Defaults applied by New before options.
const (
	DefaultMaxConcurrent   = 4
	DefaultGlobalQPS       = 1.0
	DefaultSoftBurstWindow = 60 * time.Second
	DefaultSoftBurstMax    = 50
	DefaultBackoffBase     = time.Second
	DefaultBackoffMax      = 60 * time.Second
	DefaultJitter          = 250 * time.Millisecond
	DefaultMaxAttempts     = 5
	DefaultTimeout         = 30 * time.Second
	DefaultAccept          = "application/vnd.github+json"
)

// windowRecheck is the base interval between sliding window checks.
const windowRecheck = time.Second

// Governor is a rate-governed HTTP client for the GitHub REST API. A single
// Governor is safe for concurrent use; every caller shares its admission
// tokens, sliding window, quota view, hard block and ETag cache.
type Governor struct {
	maxConcurrent    int
	globalQPS        float64
	softBurstWindow  time.Duration
	softBurstMax     int
	backoffBase      time.Duration
	backoffMax       time.Duration
	jitter           time.Duration
	maxAttempts      int
	timeout          time.Duration
	cooldownStore    CooldownStore
	cooldownPrefix   string
	cooldownBehavior CooldownBehavior
	tokenRefresh     TokenRefresher
	metrics          MetricsSink
	randFn           func() float64
	sleep            SleepFunc
	now              func() time.Time
	httpClient       *http.Client
	logger           Logger
	tracerProvider   trace.TracerProvider
	userAgent        string
	requestIDGen     func() string

	authMu sync.RWMutex
	auth   AuthProvider

	admission *admission.Controller
	window    *admission.Window
	backoff   *backoff.Calculator
	cache     *ConditionalCache
	quota     *quotaTracker
	block     hardBlock
	cooldown  *CooldownAdapter
	sink      MetricsSink
	tracer    trace.Tracer
	pages     singleflight.Group[*PaginateResult]
}

// New builds a Governor from defaults overridden by opts. The configuration
// is validated once; a bad one yields a *ClientError wrapping ErrInvalidConfig.
func New(opts ...Option) (*Governor, error) {
	g := &Governor{
		maxConcurrent:    DefaultMaxConcurrent,
		globalQPS:        DefaultGlobalQPS,
		softBurstWindow:  DefaultSoftBurstWindow,
		softBurstMax:     DefaultSoftBurstMax,
		backoffBase:      DefaultBackoffBase,
		backoffMax:       DefaultBackoffMax,
		jitter:           DefaultJitter,
		maxAttempts:      DefaultMaxAttempts,
		timeout:          DefaultTimeout,
		cooldownPrefix:   DefaultCooldownPrefix,
		cooldownBehavior: CooldownSleep,
		randFn:           rand.Float64,
		sleep:            defaultSleep,
		now:              time.Now,
		logger:           nopLogger{},
		userAgent:        DefaultUserAgent(),
		requestIDGen:     newRequestID,
	}
	g.httpClient = &http.Client{Timeout: g.timeout}

	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = nopLogger{}
	}
	if g.metrics == nil {
		g.metrics = NopSink{}
	}

	if err := g.ValidateConfiguration(); err != nil {
		return nil, err
	}

	g.admission = admission.NewController(g.maxConcurrent)
	g.window = admission.NewWindow(g.softBurstWindow, g.softBurstMax)
	g.randFn = lockedRand(g.randFn)
	g.backoff = backoff.NewCalculator(backoff.Config{
		Base:   g.backoffBase,
		Max:    g.backoffMax,
		Jitter: g.jitter,
		Rand:   g.randFn,
	})
	g.cache = NewConditionalCache()
	g.quota = newQuotaTracker()
	if g.cooldownStore != nil {
		g.cooldown = NewCooldownAdapter(g.cooldownStore, g.cooldownPrefix)
	}
	g.sink = guardedSink{sink: g.metrics, logger: g.logger}
	g.tracer = newTracer(g.tracerProvider)

	g.logger.Debug("governor configured",
		"maxConcurrent", g.maxConcurrent,
		"globalQPS", g.globalQPS,
		"softBurstMax", g.softBurstMax,
		"maxAttempts", g.maxAttempts,
		"cooldown", g.cooldown != nil,
		"cooldownBehavior", g.cooldownBehavior.String(),
	)
	return g, nil
}

// lockedRand serializes a random source that may not be safe for concurrent use.
func lockedRand(fn func() float64) func() float64 {
	var mu sync.Mutex
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return fn()
	}
}

// Get performs a GET with default options.
func (g *Governor) Get(ctx context.Context, url string) (*Response, error) {
	return g.Perform(ctx, http.MethodGet, url, nil, nil, RequestOptions{})
}

// SetAuthProvider replaces the Authorization header source. It affects calls
// that have not yet prepared their first dispatch and every token refresh.
func (g *Governor) SetAuthProvider(fn AuthProvider) {
	g.authMu.Lock()
	g.auth = fn
	g.authMu.Unlock()
}

func (g *Governor) authProvider() AuthProvider {
	g.authMu.RLock()
	defer g.authMu.RUnlock()
	return g.auth
}

// CacheSnapshot returns a copy of the ETag cache, keyed by cache key.
func (g *Governor) CacheSnapshot() map[string]string {
	return g.cache.Snapshot()
}

// ClearCache drops every cached validator.
func (g *Governor) ClearCache() {
	g.cache.Clear()
}

// ComputeRetryAfter returns the delay before retry attempt given the headers
// of the limited response: the Retry-After hint when present, exponential
// backoff otherwise. Both include jitter.
func (g *Governor) ComputeRetryAfter(header http.Header, attempt int) time.Duration {
	var hint string
	var hasHint bool
	if header != nil {
		if values, ok := header[http.CanonicalHeaderKey("Retry-After")]; ok && len(values) > 0 {
			hint, hasHint = values[0], true
		}
	}
	return g.backoff.RetryAfter(hint, hasHint, attempt)
}

// RateLimitState reports the current quota, hard block and admission state.
func (g *Governor) RateLimitState() RateLimitState {
	now := g.now()
	remaining, resetAt := g.quota.snapshot()
	return RateLimitState{
		Remaining:      remaining,
		ResetAt:        resetAt,
		HardBlockUntil: g.block.Until(),
		InFlight:       g.admission.InFlight(),
		MaxConcurrent:  g.admission.Limit(),
		WindowCount:    g.window.Count(now),
	}
}

// PeakInFlight returns the highest number of concurrent dispatches observed.
func (g *Governor) PeakInFlight() int {
	return g.admission.Peak()
}
