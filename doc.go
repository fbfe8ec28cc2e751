// Package ghgovernor provides a rate-governed HTTP client for the GitHub REST API.
//
// A Governor sits between callers and the API and keeps a fleet of requests
// inside GitHub's primary and secondary rate limits:
//
//   - A FIFO admission controller caps requests in flight
//   - Each dispatch is paced to a global QPS, and a sliding window bounds bursts
//   - X-RateLimit-Remaining and X-RateLimit-Reset are tracked; at zero remaining
//     every caller waits for the reset
//   - 403 and 429 responses trip a hard block shared by all callers, honouring
//     Retry-After and falling back to exponential backoff with jitter
//   - ETags are remembered and sent back as If-None-Match
//   - An optional CooldownStore (memory, Redis or NATS) shares endpoint
//     cooldowns across processes
//
// Typical usage:
//
//	gov, err := ghgovernor.New(
//	    ghgovernor.WithMaxConcurrent(4),
//	    ghgovernor.WithGlobalQPS(1),
//	    ghgovernor.WithAuthProvider(func(context.Context) (string, error) {
//	        return "Bearer " + token, nil
//	    }),
//	)
//	resp, err := gov.Get(ctx, "https://api.github.com/rate_limit")
//	page, err := gov.PaginateWithETag(ctx, "https://api.github.com/repos/o/r/issues", 100)
//
// Non-2xx responses are returned, not converted to errors. Perform fails only
// when the transport keeps failing past the attempt budget, the context ends,
// or the request cannot be built.
package ghgovernor
