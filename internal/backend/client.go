// Package backend is the HTTP client for the PushApp ingestion API:
// device registration, user binding, behavioral events and the in-app poll.
//
// Every call is best-effort and sent exactly once. The client never retries
// and never withholds a request; repeated failures are only reported through
// logs and the backend health metric.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/pushapp/internal/metrics"
	"github.com/R3E-Network/pushapp/pkg/logger"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// Endpoint paths relative to the base URL.
const (
	PathRegister     = "/register"
	PathRegisterUser = "/register/user"
	PathEvents       = "/events"
	PathPollInApp    = "/poll/in-app"
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://acme.mehery.com/pushapp/api".
	BaseURL    string
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil. Default: 30s.
	Timeout time.Duration
	// DegradedAfter is the number of consecutive failures after which the
	// backend is reported degraded. Default: 5.
	DegradedAfter int
	Logger        *logger.Logger
	Metrics       metrics.Recorder
}

// Client posts JSON to the PushApp backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	health     *healthMonitor
	log        *logger.Logger
	metrics    metrics.Recorder
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend: base URL is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("backend: base URL must be http(s): %q", baseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("backend")
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.NewNoOpCollector()
	}

	health := newHealthMonitor(cfg.DegradedAfter, func(from, to Health, cause error) {
		rec.SetBackendHealth(int(to))
		entry := log.WithField("from", from.String()).WithField("to", to.String())
		if to == HealthDegraded {
			entry.WithError(cause).Warn("backend degraded")
			return
		}
		entry.Info("backend recovered")
	})

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		health:     health,
		log:        log,
		metrics:    rec,
	}, nil
}

// BaseURL returns the API root the client posts to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health reports whether recent requests have been failing.
func (c *Client) Health() Health {
	return c.health.state()
}

// LastError returns the most recent request failure, if any.
func (c *Client) LastError() error {
	return c.health.lastError()
}

// Response is a raw backend response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// post sends payload as JSON to path. Non-2xx responses are returned as
// *HTTPError alongside the response.
func (c *Client) post(ctx context.Context, path string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("backend: marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	traceID := logger.GetTraceID(ctx)
	if traceID == "" {
		traceID = logger.NewTraceID()
	}
	c.setHeaders(req, traceID)

	start := time.Now()
	resp, err := c.do(req)
	duration := time.Since(start)
	if err != nil {
		c.health.observe(err)
		c.metrics.RecordHTTPRequest(path, 0, duration, err)
		return nil, fmt.Errorf("backend: %s: %w", path, err)
	}
	c.metrics.RecordHTTPRequest(path, resp.StatusCode, duration, nil)

	c.log.WithField("path", path).
		WithField("status", resp.StatusCode).
		WithField("trace_id", traceID).
		WithField("duration_ms", duration.Milliseconds()).
		Debug("backend request")

	if resp.StatusCode >= 500 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Path: path, Body: string(resp.Body)}
		c.health.observe(httpErr)
		return resp, httpErr
	}
	c.health.observe(nil)
	if resp.StatusCode >= 400 {
		return resp, &HTTPError{StatusCode: resp.StatusCode, Path: path, Body: string(resp.Body)}
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, traceID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Trace-ID", traceID)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}
