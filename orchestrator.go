package ghgovernor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// performState is a step of a single Perform call.
type performState int

const (
	stateCheckingCooldown performState = iota
	stateWaitingHardBlock
	stateAcquiringAdmission
	stateCheckingWindow
	stateCheckingHeaderLimit
	stateDispatching
	stateEvaluating
	stateRetrying
	stateDone
)

var stateNames = [...]string{
	stateCheckingCooldown:    "CheckingCooldown",
	stateWaitingHardBlock:    "WaitingHardBlock",
	stateAcquiringAdmission:  "AcquiringAdmission",
	stateCheckingWindow:      "CheckingWindow",
	stateCheckingHeaderLimit: "CheckingHeaderLimit",
	stateDispatching:         "Dispatching",
	stateEvaluating:          "Evaluating",
	stateRetrying:            "Retrying",
	stateDone:                "Done",
}

func (s performState) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// call carries the state of one Perform invocation through the state machine.
type call struct {
	g         *Governor
	ctx       context.Context
	requestID string
	method    string
	url       string
	body      []byte
	header    http.Header
	endpoint  string
	cacheKey  string
	start     time.Time

	attempt    int
	holding    bool
	refreshed  bool
	resp       *Response
	lastErr    error
	retryDelay time.Duration
}

// Perform sends one logical request through the governor: distributed
// cooldown, hard block, admission, sliding window and quota checks, then
// dispatch with retries on 401 (once, when a refresh hook is set), 403, 429
// and transport failures.
//
// Rate limited and unauthorized responses are returned, not reported as
// errors. An error is returned only when every attempt failed at the
// transport level, when ctx is done while waiting, or when the request
// cannot be built.
func (g *Governor) Perform(ctx context.Context, method, url string, header http.Header, body []byte, opts RequestOptions) (*Response, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	c := &call{
		g:         g,
		requestID: g.requestIDGen(),
		method:    method,
		url:       url,
		body:      body,
		header:    header.Clone(),
		endpoint:  opts.EndpointKey,
		cacheKey:  opts.CacheKey,
		start:     g.now(),
	}
	if c.header == nil {
		c.header = make(http.Header)
	}
	if c.endpoint == "" {
		c.endpoint = method + " " + url
	}
	if c.cacheKey == "" {
		c.cacheKey = method + " " + url
	}

	ctx, span := g.startSpan(ctx, "ghgovernor.perform",
		attribute.String("http.request.method", method),
		attribute.String("url.full", url),
		attribute.String("ghgovernor.endpoint", c.endpoint),
		attribute.String("ghgovernor.request_id", c.requestID),
	)
	c.ctx = ctx

	g.logger.Debug("perform started", "requestID", c.requestID, "method", method, "url", url, "endpoint", c.endpoint)

	resp, err := c.run()

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	endSpan(span, status, err)
	if err != nil {
		g.logger.Warn("perform failed", "requestID", c.requestID, "endpoint", c.endpoint, "attempts", c.attempt, "error", err)
	} else {
		g.logger.Debug("perform finished", "requestID", c.requestID, "endpoint", c.endpoint, "status", status, "attempts", c.attempt)
	}
	return resp, err
}

func (c *call) run() (*Response, error) {
	defer func() {
		if c.holding {
			c.g.admission.Release()
		}
	}()

	state := stateCheckingCooldown
	for state != stateDone {
		next, err := c.step(state)
		if err != nil {
			return nil, err
		}
		state = next
	}
	return c.resp, nil
}

func (c *call) step(s performState) (performState, error) {
	switch s {
	case stateCheckingCooldown:
		return c.checkCooldown()
	case stateWaitingHardBlock:
		return c.waitHardBlock()
	case stateAcquiringAdmission:
		return c.acquire()
	case stateCheckingWindow:
		return c.checkWindow()
	case stateCheckingHeaderLimit:
		return c.checkHeaderLimit()
	case stateDispatching:
		return c.dispatch()
	case stateEvaluating:
		return c.evaluate()
	case stateRetrying:
		return c.retry()
	default:
		return stateDone, fmt.Errorf("ghgovernor: unexpected state %s", s)
	}
}

func (c *call) checkCooldown() (performState, error) {
	g := c.g
	if g.cooldown == nil {
		return stateWaitingHardBlock, nil
	}
	deadline, found, err := g.cooldown.Deadline(c.ctx, c.endpoint)
	if err != nil {
		g.logger.Debug("cooldown lookup failed", "requestID", c.requestID, "endpoint", c.endpoint, "error", err)
		return stateWaitingHardBlock, nil
	}
	if !found {
		return stateWaitingHardBlock, nil
	}
	wait := deadline.Sub(g.now())
	if wait <= 0 {
		return stateWaitingHardBlock, nil
	}
	if g.cooldownBehavior == CooldownSynthetic {
		g.logger.Info("endpoint cooling down, returning synthetic response",
			"requestID", c.requestID, "endpoint", c.endpoint, "until", deadline)
		c.resp = &Response{StatusCode: StatusCooldown, Header: make(http.Header), Synthetic: true}
		return stateDone, nil
	}
	g.logger.Info("endpoint cooling down", "requestID", c.requestID, "endpoint", c.endpoint, "wait", wait)
	if err := c.pause(wait); err != nil {
		return stateDone, err
	}
	return stateWaitingHardBlock, nil
}

func (c *call) waitHardBlock() (performState, error) {
	if wait := c.g.block.Remaining(c.g.now()); wait > 0 {
		c.g.logger.Debug("hard block active", "requestID", c.requestID, "wait", wait)
		if err := c.pause(wait); err != nil {
			return stateDone, err
		}
	}
	return stateAcquiringAdmission, nil
}

func (c *call) acquire() (performState, error) {
	if err := c.g.admission.Acquire(c.ctx); err != nil {
		return stateDone, c.canceled(err)
	}
	c.holding = true
	return stateCheckingWindow, nil
}

func (c *call) checkWindow() (performState, error) {
	g := c.g
	for g.window.Full(g.now()) {
		wait := g.backoff.Jitter(windowRecheck)
		g.logger.Debug("sliding window full", "requestID", c.requestID, "wait", wait)
		if err := c.pause(wait); err != nil {
			return stateDone, err
		}
	}
	return stateCheckingHeaderLimit, nil
}

func (c *call) checkHeaderLimit() (performState, error) {
	g := c.g
	if wait := g.quota.waitFor(g.now()); wait > 0 {
		g.logger.Info("rate limit quota nearly spent, waiting for reset", "requestID", c.requestID, "wait", wait)
		if err := c.pause(wait); err != nil {
			return stateDone, err
		}
	}
	c.prepareHeaders()
	return stateDispatching, nil
}

// prepareHeaders merges defaults, the conditional validator and credentials
// into the caller's headers. Caller values win over defaults.
func (c *call) prepareHeaders() {
	g := c.g
	if c.header.Get("User-Agent") == "" {
		c.header.Set("User-Agent", g.userAgent)
	}
	if c.header.Get("Accept") == "" {
		c.header.Set("Accept", DefaultAccept)
	}
	if c.header.Get("If-None-Match") == "" {
		g.cache.addConditionalHeaders(c.cacheKey, c.header)
	}
	if c.header.Get("Authorization") == "" {
		c.applyAuth()
	}
}

// applyAuth sets Authorization from the provider. Provider failures are
// logged and the request goes out without credentials.
func (c *call) applyAuth() {
	provider := c.g.authProvider()
	if provider == nil {
		return
	}
	value, err := provider(c.ctx)
	if err != nil {
		c.g.logger.Warn("auth provider failed", "requestID", c.requestID, "error", err)
		return
	}
	if value != "" {
		c.header.Set("Authorization", value)
	}
}

func (c *call) pacing() time.Duration {
	ms := math.Floor(1000 / c.g.globalQPS)
	return c.g.backoff.Jitter(time.Duration(ms) * time.Millisecond)
}

func (c *call) dispatch() (performState, error) {
	g := c.g
	c.attempt++
	c.resp, c.lastErr = nil, nil

	if err := c.pause(c.pacing()); err != nil {
		return stateDone, err
	}

	req, err := c.newRequest()
	if err != nil {
		return stateDone, c.fail(ErrorTypeRequest, "failed to build request", err)
	}

	sent := g.now()
	httpResp, err := g.httpClient.Do(req)
	if err != nil {
		c.lastErr = err
		c.event(0, err)
		return stateEvaluating, nil
	}
	body, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if err != nil {
		c.lastErr = fmt.Errorf("reading response body: %w", err)
		c.event(0, c.lastErr)
		return stateEvaluating, nil
	}
	c.resp = &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	if c.resp.Header == nil {
		c.resp.Header = make(http.Header)
	}

	done := g.now()
	g.window.Record(done)
	g.quota.merge(c.resp.Header)
	if g.cache.Observe(c.cacheKey, c.resp.StatusCode, c.resp.Header) {
		g.logger.Debug("etag cached", "requestID", c.requestID, "cacheKey", c.cacheKey)
	}
	g.sink.OnRequestComplete(c.endpoint, c.resp.StatusCode, done.Sub(sent))
	c.event(c.resp.StatusCode, nil)
	return stateEvaluating, nil
}

func (c *call) newRequest() (*http.Request, error) {
	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(c.ctx, c.method, c.url, body)
	if err != nil {
		return nil, err
	}
	// Relative URLs parse fine but can never be dialed.
	if req.URL.Scheme == "" || req.URL.Host == "" {
		return nil, fmt.Errorf("%w: %q needs a scheme and host", ErrInvalidURL, c.url)
	}
	req.Header = c.header.Clone()
	return req, nil
}

func (c *call) exhausted() bool {
	return c.attempt >= c.g.maxAttempts
}

func (c *call) evaluate() (performState, error) {
	g := c.g
	if c.resp == nil {
		if err := c.ctx.Err(); err != nil {
			return stateDone, c.canceled(err)
		}
		if c.exhausted() {
			return stateDone, c.fail(ErrorTypeNetwork, "request failed after all attempts",
				fmt.Errorf("%w: %w", ErrAttemptsExhausted, c.lastErr))
		}
		c.retryDelay = g.backoff.Exponential(c.attempt)
		g.logger.Warn("transport failure, retrying",
			"requestID", c.requestID, "endpoint", c.endpoint, "attempt", c.attempt, "delay", c.retryDelay, "error", c.lastErr)
		g.sink.OnRetry(c.endpoint, RetryReasonNetwork, c.attempt)
		return stateRetrying, nil
	}

	status := c.resp.StatusCode
	switch {
	case isNotModified(status):
		return stateDone, nil

	case status == http.StatusUnauthorized && g.tokenRefresh != nil && !c.refreshed:
		c.refreshed = true
		if err := g.tokenRefresh(c.ctx); err != nil {
			g.logger.Warn("token refresh failed", "requestID", c.requestID, "endpoint", c.endpoint, "error", err)
			return stateDone, nil
		}
		c.applyAuth()
		if c.exhausted() {
			g.logger.Debug("token refreshed, no attempts left", "requestID", c.requestID, "endpoint", c.endpoint)
			return stateDone, nil
		}
		g.logger.Info("token refreshed, retrying", "requestID", c.requestID, "endpoint", c.endpoint, "attempt", c.attempt)
		g.sink.OnRetry(c.endpoint, RetryReasonAuth, c.attempt)
		c.retryDelay = 0
		return stateRetrying, nil

	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		c.retryDelay = g.ComputeRetryAfter(c.resp.Header, c.attempt)
		until := g.now().Add(c.retryDelay)
		g.block.Trip(until)
		c.holdCooldown(until, c.retryDelay)
		g.logger.Warn("rate limited",
			"requestID", c.requestID, "endpoint", c.endpoint, "status", status, "attempt", c.attempt, "delay", c.retryDelay)
		g.sink.OnBackoff(c.endpoint, "status_"+strconv.Itoa(status), c.retryDelay)
		if c.exhausted() {
			return stateDone, nil
		}
		return stateRetrying, nil

	default:
		return stateDone, nil
	}
}

// holdCooldown publishes the backoff to other governors sharing the store.
func (c *call) holdCooldown(until time.Time, delay time.Duration) {
	g := c.g
	if g.cooldown == nil {
		return
	}
	ok, err := g.cooldown.Hold(c.ctx, c.endpoint, until, delay)
	if err != nil {
		g.logger.Debug("cooldown write failed", "requestID", c.requestID, "endpoint", c.endpoint, "error", err)
		return
	}
	if !ok {
		g.logger.Debug("cooldown already held", "requestID", c.requestID, "endpoint", c.endpoint)
	}
}

func (c *call) retry() (performState, error) {
	if err := c.pause(c.retryDelay); err != nil {
		return stateDone, err
	}
	return stateDispatching, nil
}

// pause sleeps for d, reporting cancellation as a ClientError.
func (c *call) pause(d time.Duration) error {
	if d <= 0 {
		if err := c.ctx.Err(); err != nil {
			return c.canceled(err)
		}
		return nil
	}
	if err := c.g.sleep(c.ctx, d); err != nil {
		return c.canceled(err)
	}
	return nil
}

func (c *call) event(status int, err error) {
	span := trace.SpanFromContext(c.ctx)
	attrs := []attribute.KeyValue{attribute.Int("attempt", c.attempt)}
	if status > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	span.AddEvent("attempt", trace.WithAttributes(attrs...))
}

func (c *call) canceled(err error) error {
	return c.fail(ErrorTypeCanceled, "request canceled", err)
}

func (c *call) fail(errorType, message string, cause error) *ClientError {
	now := c.g.now()
	status := 0
	if c.resp != nil {
		status = c.resp.StatusCode
	}
	return &ClientError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		RequestID:   c.requestID,
		Method:      c.method,
		URL:         c.url,
		Endpoint:    c.endpoint,
		StatusCode:  status,
		Attempt:     c.attempt,
		MaxAttempts: c.g.maxAttempts,
		Timestamp:   now,
		Duration:    now.Sub(c.start),
	}
}
