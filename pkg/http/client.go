// Package http is the outbound HTTP client shared by the venue adapter and
// the alert channels. Every call runs through a retry policy and a circuit
// breaker and is traced and counted.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"signal_trader/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError is a response with status >= 400. Body is kept so venue error
// codes can be decoded by the caller.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer mutates a request right before it is sent
type Signer interface {
	SignRequest(req *http.Request) error
}

// Options tunes the resilience pipeline
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BreakerDelay   time.Duration
	Transport      http.RoundTripper
}

// DefaultOptions is the policy used for venue calls
func DefaultOptions() Options {
	return Options{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BreakerDelay:   10 * time.Second,
	}
}

type instruments struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func newInstruments() instruments {
	meter := telemetry.GetMeter("http-client")
	in := instruments{tracer: telemetry.GetTracer("http-client")}
	in.requests, _ = meter.Int64Counter("signal_trader_http_requests_total",
		metric.WithDescription("Outbound HTTP requests"))
	in.failures, _ = meter.Int64Counter("signal_trader_http_failures_total",
		metric.WithDescription("Outbound HTTP requests that failed or returned >= 400"))
	in.latency, _ = meter.Float64Histogram("signal_trader_http_duration_ms",
		metric.WithDescription("Outbound HTTP latency including retries"), metric.WithUnit("ms"))
	return in
}

// Client wraps http.Client with the resilience pipeline
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]
	obs      instruments
}

// NewClient creates a client with DefaultOptions
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	return NewClientWithOptions(baseURL, timeout, signer, DefaultOptions())
}

// NewClientWithOptions creates a client with an explicit resilience policy
func NewClientWithOptions(baseURL string, timeout time.Duration, signer Signer, opts Options) *Client {
	return &Client{
		client:   &http.Client{Timeout: timeout, Transport: opts.Transport},
		baseURL:  baseURL,
		signer:   signer,
		pipeline: failsafe.With[*http.Response](retryPolicy(opts), breakerPolicy(opts)),
		obs:      newInstruments(),
	}
}

// retryPolicy retries transport errors, 5xx and 429
func retryPolicy(opts Options) retrypolicy.RetryPolicy[*http.Response] {
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(opts.InitialBackoff, opts.MaxBackoff).
		WithMaxRetries(opts.MaxRetries).
		Build()
}

// breakerPolicy opens after 5 of the last 10 attempts failed server-side
func breakerPolicy(opts Options) circuitbreaker.CircuitBreaker[*http.Response] {
	return circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(opts.BreakerDelay).
		Build()
}

// Do sends a request with form-style query parameters. Encoding sorts the
// keys, which signers rely on.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	return c.send(req)
}

// Post sends body as JSON
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	start := time.Now()
	ctx, span := c.obs.tracer.Start(req.Context(), req.Method+" "+req.URL.Path,
		trace.WithAttributes(attribute.String("http.method", req.Method)))
	defer span.End()
	req = req.WithContext(ctx)
	attrs := metric.WithAttributes(attribute.String("method", req.Method), attribute.String("path", req.URL.Path))

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		if exec.Attempts() > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}
		return c.client.Do(req)
	})
	c.obs.requests.Add(ctx, 1, attrs)
	c.obs.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		span.RecordError(err)
		c.obs.failures.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		c.obs.failures.Add(ctx, 1, attrs)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
