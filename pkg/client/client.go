// Package client provides the OpenProject HTTP client with rate limiting,
// bounded retries and error classification.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/openproject-crawler/pkg/logging"
	"github.com/Sternrassler/openproject-crawler/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcrawl_requests_total",
		Help: "Total OpenProject requests by resource and status",
	}, []string{"resource", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opcrawl_request_duration_seconds",
		Help:    "OpenProject request duration in seconds by resource",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"resource"})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcrawl_fetch_errors_total",
		Help: "Total failed attempts by error class",
	}, []string{"class"})
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "openproject-crawler"

// Client fetches JSON resources from the OpenProject API v3.
type Client struct {
	mu         sync.Mutex
	httpClient *http.Client

	endpoint   Endpoint
	credential Credential
	limiter    ratelimit.Acquirer
	shared     *ratelimit.SharedGate
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API, e.g. "https://op.example.com/api/v3".
	BaseURL string

	// Basic-auth credentials. For API tokens use Username "apikey".
	Username string
	Password string

	UserAgent string

	// RequestsPerSecond bounds every request issued by this client,
	// retries included.
	RequestsPerSecond float64

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// PageSize is the default pageSize for list resources.
	PageSize int

	Retry RetryConfig

	// Redis, when set, shares the request budget with every other client
	// using the same API host. The local limiter serves as fallback.
	Redis *redis.Client

	// Logger overrides the component logger. Optional.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, username, password string) Config {
	return Config{
		BaseURL:           baseURL,
		Username:          username,
		Password:          password,
		UserAgent:         DefaultUserAgent,
		RequestsPerSecond: ratelimit.DefaultRequestsPerSecond,
		Timeout:           30 * time.Second,
		PageSize:          1000,
		Retry:             DefaultRetryConfig(),
	}
}

// New creates a new client. Invalid settings fail with a *ConfigError
// before any network call.
func New(cfg Config) (*Client, error) {
	endpoint, err := ParseEndpoint(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	credential, err := NewCredential(cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond <= 0 {
		return nil, &ConfigError{Field: "requests_per_second", Reason: fmt.Sprintf("must be > 0 (got %v)", cfg.RequestsPerSecond)}
	}
	if cfg.Timeout <= 0 {
		return nil, &ConfigError{Field: "timeout", Reason: "must be > 0"}
	}
	if cfg.PageSize <= 0 {
		return nil, &ConfigError{Field: "page_size", Reason: fmt.Sprintf("must be > 0 (got %d)", cfg.PageSize)}
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	logger := logging.OrDefault(cfg.Logger, "openproject-client")

	local, err := ratelimit.NewLimiter(cfg.RequestsPerSecond)
	if err != nil {
		return nil, &ConfigError{Field: "requests_per_second", Reason: err.Error()}
	}

	var (
		limiter ratelimit.Acquirer = local
		gate    *ratelimit.SharedGate
	)
	if cfg.Redis != nil {
		shared, err := ratelimit.NewSharedGate(ratelimit.SharedConfig{
			Redis:             cfg.Redis,
			Key:               endpoint.Host(),
			RequestsPerSecond: cfg.RequestsPerSecond,
			Fallback:          local,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create shared gate: %w", err)
		}
		limiter = shared
		gate = shared
	}

	return &Client{
		endpoint:   endpoint,
		credential: credential,
		limiter:    limiter,
		shared:     gate,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Fetch performs a GET on path below the base URL and returns the JSON body.
// Every attempt first passes the rate limiter. Failed attempts (transport
// errors, any non-2xx status, non-JSON bodies) are retried with exponential
// backoff; when all attempts fail the error is a *FetchError matching
// ErrRetryExhausted.
func (c *Client) Fetch(ctx context.Context, path string, params url.Values) ([]byte, error) {
	target := c.endpoint.WithPath(path).WithQuery(params)
	resource := resourceLabel(path)
	rawURL := target.String()

	var body []byte
	err := retryWithBackoff(ctx, c.config.Retry, c.logger, rawURL, func(attempt int) error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}

		b, err := c.do(ctx, rawURL, resource)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// GetJSON fetches path and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, v any) error {
	body, err := c.Fetch(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs a single attempt.
func (c *Client) do(ctx context.Context, rawURL, resource string) ([]byte, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(resource).Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/hal+json, application/json")
	req.Header.Set("Authorization", c.credential.Header())
	req.Header.Set("User-Agent", c.config.UserAgent)

	c.logger.Debug().
		Str("resource", resource).
		Str("url", rawURL).
		Msg("Executing OpenProject request")

	resp, err := c.getHTTPClient().Do(req)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(resource, "network_error").Inc()
		return nil, &attemptError{class: ErrorClassNetwork, err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(resource, "network_error").Inc()
		return nil, &attemptError{class: ErrorClassNetwork, statusCode: resp.StatusCode, err: fmt.Errorf("read body: %w", err)}
	}

	requestsTotal.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		class := classifyStatus(resp.StatusCode)
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		return nil, &attemptError{
			class:      class,
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("unexpected status: %s", resp.Status),
		}
	}

	if !json.Valid(body) {
		fetchErrorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return nil, &attemptError{
			class:      ErrorClassDecode,
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("response body is not valid JSON"),
		}
	}

	return body, nil
}

// getHTTPClient returns the underlying HTTP client, creating it on first use.
func (c *Client) getHTTPClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.config.Timeout}
	}
	return c.httpClient
}

// Close releases pooled connections. The client stays usable; a later
// request opens a fresh connection pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
		c.httpClient = nil
	}
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient = client
}

// Endpoint returns the base endpoint.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// RateLimitState returns a snapshot of the shared rate limit, or
// ErrNoSharedGate when the client was built without Redis.
func (c *Client) RateLimitState(ctx context.Context) (*ratelimit.GateState, error) {
	if c.shared == nil {
		return nil, ErrNoSharedGate
	}
	return c.shared.State(ctx)
}

// ResetRateLimit clears the shared rate limit. Callers queued on reserved
// slots keep their delay; new callers are admitted immediately.
func (c *Client) ResetRateLimit(ctx context.Context) error {
	if c.shared == nil {
		return ErrNoSharedGate
	}
	return c.shared.Reset(ctx)
}

// PageSize returns the configured default page size.
func (c *Client) PageSize() int {
	return c.config.PageSize
}

// resourceLabel replaces numeric path segments with ":id" to keep metric
// cardinality bounded.
func resourceLabel(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		if _, err := strconv.Atoi(s); err == nil {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}
