package ghgovernor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testURL = "https://api.github.com/repos/octo/hello/issues"

// fakeClock is a manually advanced clock. testSleeper advances it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testSleeper records every requested sleep and advances the clock instead of blocking.
type testSleeper struct {
	mu     sync.Mutex
	clock  *fakeClock
	sleeps []time.Duration
}

func (s *testSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return nil
}

func (s *testSleeper) Recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func (s *testSleeper) Count(d time.Duration) int {
	n := 0
	for _, got := range s.Recorded() {
		if got == d {
			n++
		}
	}
	return n
}

type sinkEvent struct {
	kind     string
	endpoint string
	reason   string
	status   int
	attempt  int
	duration time.Duration
	key      string
}

// recordingSink keeps every metrics event in order.
type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (r *recordingSink) add(e sinkEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) OnRequestComplete(endpoint string, status int, d time.Duration) {
	r.add(sinkEvent{kind: "complete", endpoint: endpoint, status: status, duration: d})
}

func (r *recordingSink) OnRetry(endpoint, reason string, attempt int) {
	r.add(sinkEvent{kind: "retry", endpoint: endpoint, reason: reason, attempt: attempt})
}

func (r *recordingSink) OnBackoff(endpoint, reason string, d time.Duration) {
	r.add(sinkEvent{kind: "backoff", endpoint: endpoint, reason: reason, duration: d})
}

func (r *recordingSink) OnCacheHit(key string) {
	r.add(sinkEvent{kind: "cache_hit", key: key})
}

func (r *recordingSink) Kind(kind string) []sinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sinkEvent
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// cannedResponse describes one transport reply. A non-nil err simulates a
// transport failure.
type cannedResponse struct {
	status int
	header map[string]string
	body   string
	err    error
}

// scriptedTransport replays responses in order, repeating the last one.
type scriptedTransport struct {
	mu        sync.Mutex
	responses []cannedResponse
	requests  []*http.Request
	bodies    []string
}

func newScriptedTransport(responses ...cannedResponse) *scriptedTransport {
	return &scriptedTransport{responses: responses}
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	s.mu.Lock()
	idx := len(s.requests)
	s.requests = append(s.requests, req)
	s.bodies = append(s.bodies, body)
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	canned := s.responses[idx]
	s.mu.Unlock()

	if canned.err != nil {
		return nil, canned.err
	}
	return newHTTPResponse(req, canned), nil
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedTransport) Request(i int) *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *scriptedTransport) Body(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[i]
}

func newHTTPResponse(req *http.Request, canned cannedResponse) *http.Response {
	h := make(http.Header)
	for k, v := range canned.header {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: canned.status,
		Status:     fmt.Sprintf("%d %s", canned.status, http.StatusText(canned.status)),
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(canned.body)),
		Request:    req,
	}
}

type testEnv struct {
	gov     *Governor
	clock   *fakeClock
	sleeper *testSleeper
	sink    *recordingSink
}

// newTestGovernor builds a governor with zero jitter, a fake clock and
// recorded sleeps, plus any extra options.
func newTestGovernor(t *testing.T, rt http.RoundTripper, opts ...Option) *testEnv {
	t.Helper()
	return newTestGovernorWithClock(t, newFakeClock(), rt, opts...)
}

func newTestGovernorWithClock(t *testing.T, clock *fakeClock, rt http.RoundTripper, opts ...Option) *testEnv {
	t.Helper()
	sleeper := &testSleeper{clock: clock}
	sink := &recordingSink{}
	base := []Option{
		WithTransport(rt),
		WithClock(clock.Now),
		WithSleepFunc(sleeper.Sleep),
		WithRandFunc(func() float64 { return 0 }),
		WithMetricsSink(sink),
		WithRequestIDGenerator(func() string { return "req-test" }),
	}
	gov, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return &testEnv{gov: gov, clock: clock, sleeper: sleeper, sink: sink}
}
