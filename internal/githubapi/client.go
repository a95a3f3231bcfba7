package githubapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cam3ron2/pr-insights/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// RetryConfig configures client retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns three retries with a 0.1s exponential backoff factor.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts        int
	LastRateHeaders RateLimitHeaders
	LastDecision    Decision
}

// Client wraps upstream HTTP requests with shared pacing, retry and rate-limit controls.
// One Client is shared by every caller so pacing holds across goroutines.
type Client struct {
	doer       HTTPDoer
	retry      RetryConfig
	ratePolicy RateLimitPolicy
	limiter    *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time

	// Sleep is injected for testability.
	Sleep func(duration time.Duration)
	// Now is injected for testability.
	Now func() time.Time
}

// NewClient creates a paced, retrying client wrapper.
func NewClient(doer HTTPDoer, retry RetryConfig, ratePolicy RateLimitPolicy) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if doer == nil {
		doer = &http.Client{Transport: NewPooledTransport(PoolConfig{})}
	}

	limit := rate.Inf
	if ratePolicy.MinInterval > 0 {
		limit = rate.Every(ratePolicy.MinInterval)
	}

	return &Client{
		doer:       doer,
		retry:      retry,
		ratePolicy: ratePolicy,
		limiter:    rate.NewLimiter(limit, 1),
		Sleep:      time.Sleep,
		Now:        time.Now,
	}
}

// Get issues a paced GET bounded by timeout. The timeout covers reading the body.
func (c *Client) Get(ctx context.Context, rawURL string, headers http.Header, timeout time.Duration) (*http.Response, error) {
	return c.send(ctx, http.MethodGet, rawURL, headers, nil, timeout)
}

// Post issues a paced POST with the given body bounded by timeout.
func (c *Client) Post(ctx context.Context, rawURL string, headers http.Header, body []byte, timeout time.Duration) (*http.Response, error) {
	return c.send(ctx, http.MethodPost, rawURL, headers, body, timeout)
}

func (c *Client) send(
	ctx context.Context,
	method string,
	rawURL string,
	headers http.Header,
	body []byte,
	timeout time.Duration,
) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, _, err := c.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.Body == nil {
		cancel()
		return resp, nil
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// RoundTrip lets the client serve as the transport of an http.Client, so libraries
// built on net/http share the same pacing and retry policy.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, _, err := c.Do(req)
	return resp, err
}

// Do executes a request with pacing, retry and rate-limit awareness.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx := req.Context()
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("pr-insights/internal/githubapi").Start(
			ctx,
			"githubapi.client.do",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
				attribute.Int("github.max_attempts", c.retry.MaxAttempts),
			),
		)
		defer span.End()
	}

	metadata := CallMetadata{}
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		metadata.Attempts = attempt

		if err := c.wait(ctx); err != nil {
			if span != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			return nil, metadata, err
		}

		nextReq := req.Clone(ctx)
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, metadata, fmt.Errorf("rewind request body: %w", err)
			}
			nextReq.Body = body
		}

		resp, err := c.doer.Do(nextReq)
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.AddEvent("attempt_failed", trace.WithAttributes(
					attribute.Int("github.attempt", attempt),
				))
			}
			if attempt == c.retry.MaxAttempts || ctx.Err() != nil {
				if span != nil {
					span.SetStatus(codes.Error, err.Error())
				}
				return nil, metadata, err
			}
			c.Sleep(backoffForAttempt(c.retry, attempt))
			continue
		}

		headers := ParseRateLimitHeaders(resp.Header, resp.StatusCode)
		metadata.LastRateHeaders = headers
		decision := c.ratePolicy.Evaluate(headers)
		metadata.LastDecision = decision
		if !decision.Allow {
			c.pause(decision.WaitFor)
		}

		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("github.attempt", attempt),
				attribute.Int("http.status_code", resp.StatusCode),
				attribute.Int("github.rate_limit_remaining", headers.Remaining),
				attribute.Int64("github.rate_limit_reset_unix", headers.ResetUnix),
				attribute.Bool("github.rate_limit_allow", decision.Allow),
				attribute.String("github.rate_limit_reason", decision.Reason),
			))
		}

		if isRetryableStatus(resp.StatusCode) {
			if attempt == c.retry.MaxAttempts {
				if span != nil {
					span.SetStatus(codes.Error, fmt.Sprintf("retryable status %d", resp.StatusCode))
				}
				return resp, metadata, nil
			}
			if resp.Body != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}
			backoff := backoffForAttempt(c.retry, attempt)
			if headers.RetryAfter > backoff {
				backoff = headers.RetryAfter
			}
			c.Sleep(backoff)
			continue
		}

		if span != nil {
			span.SetStatus(codes.Ok, "request completed")
		}
		return resp, metadata, nil
	}

	if span != nil {
		span.SetStatus(codes.Error, "request attempts exhausted")
	}
	return nil, metadata, fmt.Errorf("request attempts exhausted")
}

// wait blocks until a header-driven pause has elapsed and the pacing limiter grants a slot.
func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	until := c.pausedUntil
	c.mu.Unlock()

	if remaining := until.Sub(c.now()); remaining > 0 {
		c.Sleep(remaining)
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) pause(waitFor time.Duration) {
	if waitFor <= 0 {
		return
	}
	until := c.now().Add(waitFor)

	c.mu.Lock()
	defer c.mu.Unlock()
	if until.After(c.pausedUntil) {
		c.pausedUntil = until
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func backoffForAttempt(retry RetryConfig, attempt int) time.Duration {
	backoff := retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
			return retry.MaxBackoff
		}
	}
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		return retry.MaxBackoff
	}
	return backoff
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
