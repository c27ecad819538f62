// Package backend is the HTTP client for the AutoSync analysis service: the
// diagnostic chat endpoint, the voice-dispatch trigger and the
// predictive-maintenance model.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/WessleyAI/autosync/engine/domain"
	"github.com/WessleyAI/autosync/pkg/fn"
	"github.com/WessleyAI/autosync/pkg/metrics"
	"github.com/WessleyAI/autosync/pkg/resilience"
)

// Endpoint names, used for breakers, spans and metric labels.
const (
	EndpointAnalyze   = "analyze"
	EndpointVoiceTest = "voice-test"
	EndpointPredict   = "predict-maintenance"
)

var paths = map[string]string{
	EndpointAnalyze:   "/api/analyze",
	EndpointVoiceTest: "/api/voice-test",
	EndpointPredict:   "/api/predict-maintenance",
}

// The voice-dispatch service only signals through its status code; its body is
// optional and decoded best-effort.
var lenientBody = map[string]bool{EndpointVoiceTest: true}

// ErrBackendReported is returned when a 2xx response carries a failure the
// service reported in its body.
var ErrBackendReported = errors.New("backend reported failure")

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4 << 10

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s: status %d", e.Endpoint, e.Code)
}

// Client talks to the analysis service over JSON/HTTP.
type Client struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	breakers map[string]*resilience.Breaker
	metrics  *metrics.Registry
	logger   *slog.Logger

	breakerOpts resilience.BreakerOpts
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit caps outbound request rate. A zero limit disables limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithBreaker sets the options used for each endpoint's circuit breaker.
func WithBreaker(opts resilience.BreakerOpts) Option {
	return func(c *Client) { c.breakerOpts = opts }
}

// WithMetrics records request counts and latencies in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Client) { c.metrics = reg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a backend client rooted at baseURL (e.g. http://127.0.0.1:8000).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		http:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:     30 * time.Second,
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		logger:      slog.Default(),
		breakerOpts: resilience.DefaultBreakerOpts,
	}
	for _, o := range opts {
		o(c)
	}
	c.breakers = make(map[string]*resilience.Breaker, len(paths))
	for name := range paths {
		bo := c.breakerOpts
		bo.Name = name
		next := bo.OnStateChange
		bo.OnStateChange = func(name string, from, to resilience.State) {
			c.logger.Warn("backend breaker state change", "endpoint", name, "from", from.String(), "to", to.String())
			c.metrics.Gauge(metrics.WithLabels("backend_breaker_open", "endpoint", name), "1 while the endpoint breaker is open").Set(boolGauge(to == resilience.StateOpen))
			if next != nil {
				next(name, from, to)
			}
		}
		c.breakers[name] = resilience.NewBreaker(bo)
	}
	return c
}

// Breaker exposes an endpoint's breaker for status reporting.
func (c *Client) Breaker(endpoint string) *resilience.Breaker { return c.breakers[endpoint] }

// Analyze sends a diagnostic question with the current vehicle sample.
func (c *Client) Analyze(ctx context.Context, req domain.AnalyzeRequest) (domain.AnalyzeResponse, error) {
	return call[domain.AnalyzeRequest, domain.AnalyzeResponse](ctx, c, EndpointAnalyze, req)
}

// VoiceTest asks the dispatch service to place an assistance call.
func (c *Client) VoiceTest(ctx context.Context) error {
	resp, err := call[struct{}, domain.VoiceTestResponse](ctx, c, EndpointVoiceTest, struct{}{})
	if err != nil {
		return err
	}
	if resp.Success != nil && !*resp.Success {
		return fmt.Errorf("backend %s: %w: call not placed", EndpointVoiceTest, ErrBackendReported)
	}
	return nil
}

// predictResponse is the prediction body; the model service reports its own
// failures (e.g. model not loaded) as {"error": "..."} with status 200.
type predictResponse struct {
	domain.PredictionResult
	Error string `json:"error"`
}

// PredictMaintenance requests a failure-probability verdict for in.
func (c *Client) PredictMaintenance(ctx context.Context, in domain.PredictionInput) (domain.PredictionResult, error) {
	resp, err := call[domain.PredictionInput, predictResponse](ctx, c, EndpointPredict, in)
	if err != nil {
		return domain.PredictionResult{}, err
	}
	if resp.Error != "" {
		return domain.PredictionResult{}, fmt.Errorf("backend %s: %w: %s", EndpointPredict, ErrBackendReported, resp.Error)
	}
	return resp.PredictionResult, nil
}

func call[Req, Resp any](ctx context.Context, c *Client, endpoint string, req Req) (Resp, error) {
	start := time.Now()
	r := fn.Traced(ctx, "backend."+endpoint, func(ctx context.Context) fn.Result[Resp] {
		return resilience.CallResult(c.breakers[endpoint], ctx, func(ctx context.Context) fn.Result[Resp] {
			return fn.FromPair(postJSON[Req, Resp](ctx, c, endpoint, req))
		})
	})
	c.metrics.Histogram(metrics.WithLabels("backend_request_seconds", "endpoint", endpoint), "Backend request latency", nil).Since(start)

	outcome := "ok"
	if r.IsErr() {
		outcome = "error"
	}
	c.metrics.Counter(metrics.WithLabels("backend_requests_total", "endpoint", endpoint, "outcome", outcome), "Backend requests").Inc()
	return r.Unwrap()
}

func postJSON[Req, Resp any](ctx context.Context, c *Client, endpoint string, in Req) (Resp, error) {
	var zero Resp
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("backend %s: rate limit: %w", endpoint, err)
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return zero, fmt.Errorf("backend %s: encode: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+paths[endpoint], bytes.NewReader(body))
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("backend %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return zero, &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: string(b)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("backend %s: read: %w", endpoint, err)
	}
	var out Resp
	if err := json.Unmarshal(raw, &out); err != nil {
		if lenientBody[endpoint] {
			return zero, nil
		}
		return zero, fmt.Errorf("backend %s: decode: %w", endpoint, err)
	}
	return out, nil
}

func boolGauge(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
