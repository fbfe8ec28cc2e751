package ghgovernor

import (
	"bytes"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Retry reasons reported through MetricsSink.OnRetry.
const (
	RetryReasonNetwork = "network"
	RetryReasonAuth    = "auth"
)

// MetricsSink receives lifecycle events. Calls are made synchronously from the
// request path, so implementations must return quickly; a panicking sink is
// recovered and never affects the request.
type MetricsSink interface {
	OnRequestComplete(endpoint string, status int, duration time.Duration)
	OnRetry(endpoint, reason string, attempt int)
	OnBackoff(endpoint, reason string, duration time.Duration)
	OnCacheHit(key string)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) OnRequestComplete(string, int, time.Duration) {}
func (NopSink) OnRetry(string, string, int)                  {}
func (NopSink) OnBackoff(string, string, time.Duration)      {}
func (NopSink) OnCacheHit(string)                            {}

// MultiSink fans every event out to each sink in order.
type MultiSink []MetricsSink

func (m MultiSink) OnRequestComplete(endpoint string, status int, d time.Duration) {
	for _, s := range m {
		s.OnRequestComplete(endpoint, status, d)
	}
}

func (m MultiSink) OnRetry(endpoint, reason string, attempt int) {
	for _, s := range m {
		s.OnRetry(endpoint, reason, attempt)
	}
}

func (m MultiSink) OnBackoff(endpoint, reason string, d time.Duration) {
	for _, s := range m {
		s.OnBackoff(endpoint, reason, d)
	}
}

func (m MultiSink) OnCacheHit(key string) {
	for _, s := range m {
		s.OnCacheHit(key)
	}
}

// PrometheusSink exports governor events as Prometheus metrics. It is safe for
// concurrent use.
type PrometheusSink struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	backoffsTotal   *prometheus.CounterVec
	backoffDuration *prometheus.HistogramVec
	cacheHits       prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewPrometheusSink registers metrics on the default registry. Calling it
// twice in one process panics on duplicate registration; use
// NewPrometheusSinkWithRegistry for more than one sink.
func NewPrometheusSink() *PrometheusSink {
	return newPrometheusSink(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewPrometheusSinkWithRegistry registers metrics on registry.
func NewPrometheusSinkWithRegistry(registry *prometheus.Registry) *PrometheusSink {
	return newPrometheusSink(registry, registry)
}

func newPrometheusSink(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *PrometheusSink {
	factory := promauto.With(registerer)
	return &PrometheusSink{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghgovernor_requests_total",
				Help: "Total number of dispatched requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ghgovernor_request_duration_seconds",
				Help:    "Duration of dispatched requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghgovernor_retries_total",
				Help: "Total number of retries by reason",
			},
			[]string{"endpoint", "reason"},
		),
		backoffsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghgovernor_backoffs_total",
				Help: "Total number of rate limit backoffs by reason",
			},
			[]string{"endpoint", "reason"},
		),
		backoffDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ghgovernor_backoff_seconds",
				Help:    "Computed backoff durations in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 60, 120},
			},
			[]string{"reason"},
		),
		cacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ghgovernor_cache_hits_total",
				Help: "Total number of 304 Not Modified responses served from the ETag cache",
			},
		),
		gatherer: gatherer,
	}
}

// OnRequestComplete records request count and duration.
func (s *PrometheusSink) OnRequestComplete(endpoint string, status int, d time.Duration) {
	if s == nil {
		return
	}
	s.requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	s.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// OnRetry increments the retry counter.
func (s *PrometheusSink) OnRetry(endpoint, reason string, _ int) {
	if s == nil {
		return
	}
	s.retriesTotal.WithLabelValues(endpoint, reason).Inc()
}

// OnBackoff increments the backoff counter and observes its duration.
func (s *PrometheusSink) OnBackoff(endpoint, reason string, d time.Duration) {
	if s == nil {
		return
	}
	s.backoffsTotal.WithLabelValues(endpoint, reason).Inc()
	s.backoffDuration.WithLabelValues(reason).Observe(d.Seconds())
}

// OnCacheHit increments the cache hit counter.
func (s *PrometheusSink) OnCacheHit(string) {
	if s == nil {
		return
	}
	s.cacheHits.Inc()
}

// Gatherer exposes the gatherer backing this sink, for promhttp.HandlerFor.
func (s *PrometheusSink) Gatherer() prometheus.Gatherer {
	return s.gatherer
}

// Serialize renders every gathered metric family in the text exposition format.
func (s *PrometheusSink) Serialize() (string, error) {
	families, err := s.gatherer.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// guardedSink shields the request path from panicking sinks.
type guardedSink struct {
	sink   MetricsSink
	logger Logger
}

func (g guardedSink) guard(event string) {
	if r := recover(); r != nil {
		g.logger.Warn("metrics sink panicked", "event", event, "panic", r)
	}
}

func (g guardedSink) OnRequestComplete(endpoint string, status int, d time.Duration) {
	defer g.guard("request_complete")
	g.sink.OnRequestComplete(endpoint, status, d)
}

func (g guardedSink) OnRetry(endpoint, reason string, attempt int) {
	defer g.guard("retry")
	g.sink.OnRetry(endpoint, reason, attempt)
}

func (g guardedSink) OnBackoff(endpoint, reason string, d time.Duration) {
	defer g.guard("backoff")
	g.sink.OnBackoff(endpoint, reason, d)
}

func (g guardedSink) OnCacheHit(key string) {
	defer g.guard("cache_hit")
	g.sink.OnCacheHit(key)
}
