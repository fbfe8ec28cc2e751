package ghgovernor

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheusSink(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink := NewPrometheusSinkWithRegistry(registry)

	if sink == nil {
		t.Fatal("NewPrometheusSinkWithRegistry() returned nil")
	}
	if sink.requestsTotal == nil {
		t.Error("requestsTotal metric not initialized")
	}
	if sink.requestDuration == nil {
		t.Error("requestDuration metric not initialized")
	}
	if sink.retriesTotal == nil {
		t.Error("retriesTotal metric not initialized")
	}
	if sink.backoffsTotal == nil {
		t.Error("backoffsTotal metric not initialized")
	}
	if sink.cacheHits == nil {
		t.Error("cacheHits metric not initialized")
	}
	if sink.Gatherer() != registry {
		t.Error("Gatherer should return the registry")
	}
}

func TestPrometheusSinkRecordsEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink := NewPrometheusSinkWithRegistry(registry)

	sink.OnRequestComplete("GET /user", 200, 120*time.Millisecond)
	sink.OnRequestComplete("GET /user", 200, 80*time.Millisecond)
	sink.OnRequestComplete("GET /user", 429, 10*time.Millisecond)
	sink.OnRetry("GET /user", RetryReasonNetwork, 1)
	sink.OnBackoff("GET /user", "status_429", 3*time.Second)
	sink.OnCacheHit("GET /user")

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.requestsTotal.WithLabelValues("GET /user", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.requestsTotal.WithLabelValues("GET /user", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.retriesTotal.WithLabelValues("GET /user", "network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.backoffsTotal.WithLabelValues("GET /user", "status_429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.cacheHits))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.requestDuration))
}

func TestPrometheusSinkSerialize(t *testing.T) {
	sink := NewPrometheusSinkWithRegistry(prometheus.NewRegistry())
	sink.OnRequestComplete("GET /rate_limit", 200, time.Millisecond)
	sink.OnCacheHit("k")

	text, err := sink.Serialize()
	require.NoError(t, err)
	assert.Contains(t, text, "# TYPE ghgovernor_requests_total counter")
	assert.Contains(t, text, `ghgovernor_requests_total{endpoint="GET /rate_limit",status="200"} 1`)
	assert.Contains(t, text, "ghgovernor_cache_hits_total 1")
}

func TestPrometheusSinkNilSafe(t *testing.T) {
	var sink *PrometheusSink
	sink.OnRequestComplete("e", 200, time.Second)
	sink.OnRetry("e", "auth", 1)
	sink.OnBackoff("e", "status_403", time.Second)
	sink.OnCacheHit("k")
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink{a, b, NopSink{}}

	sink.OnRequestComplete("e", 200, time.Second)
	sink.OnRetry("e", RetryReasonAuth, 2)
	sink.OnBackoff("e", "status_429", time.Second)
	sink.OnCacheHit("k")

	for _, r := range []*recordingSink{a, b} {
		assert.Len(t, r.Kind("complete"), 1)
		assert.Len(t, r.Kind("retry"), 1)
		assert.Len(t, r.Kind("backoff"), 1)
		assert.Len(t, r.Kind("cache_hit"), 1)
	}
}

type panicEverywhereSink struct{}

func (panicEverywhereSink) OnRequestComplete(string, int, time.Duration) { panic("complete") }
func (panicEverywhereSink) OnRetry(string, string, int)                  { panic("retry") }
func (panicEverywhereSink) OnBackoff(string, string, time.Duration)      { panic("backoff") }
func (panicEverywhereSink) OnCacheHit(string)                            { panic("cache hit") }

func TestGuardedSinkRecovers(t *testing.T) {
	g := guardedSink{sink: panicEverywhereSink{}, logger: nopLogger{}}
	assert.NotPanics(t, func() {
		g.OnRequestComplete("e", 200, time.Second)
		g.OnRetry("e", "network", 1)
		g.OnBackoff("e", "status_429", time.Second)
		g.OnCacheHit("k")
	})
}

func TestGovernorWithPrometheusSink(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink := NewPrometheusSinkWithRegistry(registry)
	rt := newScriptedTransport(
		cannedResponse{status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "1"}},
		cannedResponse{status: http.StatusOK},
	)
	env := newTestGovernor(t, rt, WithMetricsSink(sink))

	_, err := env.gov.Perform(context.Background(), http.MethodGet, testURL, nil, nil, RequestOptions{EndpointKey: "issues"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.requestsTotal.WithLabelValues("issues", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.requestsTotal.WithLabelValues("issues", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.backoffsTotal.WithLabelValues("issues", "status_429")))

	// No transport failure or 401 happened, so the retry counter has no series.
	assert.Equal(t, 0, testutil.CollectAndCount(sink.retriesTotal))
}
