package ghgovernor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/ambiyansyah-risyal/ghgovernor/internal/admission"
)

// benchGovernor returns a governor whose sleeps return immediately and whose
// transport answers 200 without touching the network.
func benchGovernor(b *testing.B, header http.Header) *Governor {
	b.Helper()
	rt := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     header.Clone(),
			Body:       io.NopCloser(bytes.NewReader([]byte(`{"ok":true}`))),
			Request:    req,
		}, nil
	})
	gov, err := New(
		WithTransport(rt),
		WithSleepFunc(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		WithSoftBurst(time.Second, math.MaxInt32),
		WithGlobalQPS(1000),
	)
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	return gov
}

// BenchmarkPerform measures the full admission and dispatch path
func BenchmarkPerform(b *testing.B) {
	b.Run("Plain", func(b *testing.B) {
		gov := benchGovernor(b, http.Header{})
		ctx := context.Background()
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := gov.Get(ctx, testURL); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("WithRateHeadersAndETag", func(b *testing.B) {
		gov := benchGovernor(b, http.Header{
			"Etag":                  {`"v1"`},
			"X-Ratelimit-Remaining": {"4999"},
			"X-Ratelimit-Reset":     {"1700000000"},
		})
		ctx := context.Background()
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := gov.Get(ctx, testURL); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Parallel", func(b *testing.B) {
		gov := benchGovernor(b, http.Header{})
		ctx := context.Background()
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := gov.Get(ctx, testURL); err != nil {
					b.Error(err)
					return
				}
			}
		})
	})
}

// BenchmarkConditionalCache compares read-heavy and write-heavy access
func BenchmarkConditionalCache(b *testing.B) {
	cache := NewConditionalCache()
	header := http.Header{"Etag": {`"abc"`}}
	keys := make([]string, 256)
	for i := range keys {
		keys[i] = fmt.Sprintf("GET https://api.github.com/repos/o/r/issues/%d", i)
		cache.Observe(keys[i], http.StatusOK, header)
	}

	b.Run("Get", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				cache.Get(keys[i%len(keys)])
				i++
			}
		})
	})

	b.Run("Observe", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				cache.Observe(keys[i%len(keys)], http.StatusOK, header)
				i++
			}
		})
	})
}

func BenchmarkParseRateLimitHeaders(b *testing.B) {
	h := http.Header{
		"X-Ratelimit-Limit":     {"5000"},
		"X-Ratelimit-Remaining": {"4999"},
		"X-Ratelimit-Reset":     {"1700000000"},
		"X-Ratelimit-Used":      {"1"},
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ParseRateLimitHeaders(h)
	}
}

func BenchmarkAdmissionController(b *testing.B) {
	c := admission.NewController(64)
	ctx := context.Background()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := c.Acquire(ctx); err != nil {
				b.Error(err)
				return
			}
			c.Release()
		}
	})
}

func BenchmarkLinkHasRel(b *testing.B) {
	link := []string{`<https://api.github.com/repositories/1/issues?page=2>; rel="next", <https://api.github.com/repositories/1/issues?page=9>; rel="last"`}
	for i := 0; i < b.N; i++ {
		linkHasRel(link, "next")
	}
}
