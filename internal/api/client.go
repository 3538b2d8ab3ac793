package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionConfig identifies one DHIS2 instance
type ConnectionConfig struct {
	BaseURL  string
	Username string
	Password string
}

// Client represents a DHIS2 API client bound to a single instance.
// It holds no mutable state after construction and is safe to share.
type Client struct {
	baseURL string
	http    *resty.Client
	limiter *rate.Limiter
}

// Option customizes a Client
type Option func(*Client)

// WithRateLimit caps outgoing requests per second. Zero disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPTimeout sets the transport-level timeout applied to every request
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(timeout)
	}
}

// WithTransport swaps the underlying round tripper (tests, proxies)
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.SetTransport(rt)
	}
}

// WithLogger routes resty's internal warnings into zerolog
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.http.SetLogger(restyLogger{log: log})
	}
}

// NewClient creates a new DHIS2 API client
func NewClient(cfg ConnectionConfig, opts ...Option) *Client {
	client := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}

	// No retries: a failed page is recorded once and the run moves on
	client.http = resty.New().
		SetBasicAuth(cfg.Username, cfg.Password).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(600 * time.Second).
		SetRetryCount(0)

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// BaseURL returns the instance URL the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get performs a GET request and decodes the JSON body into result (if non-nil)
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string, result interface{}) error {
	req, err := c.request(ctx, params)
	if err != nil {
		return err
	}

	url := c.buildURL(endpoint)
	resp, err := req.Get(url)
	return c.handle(http.MethodGet, url, resp, err, result)
}

// Post performs a POST request with a JSON payload and decodes the JSON body into result (if non-nil)
func (c *Client) Post(ctx context.Context, endpoint string, payload interface{}, params map[string]string, result interface{}) error {
	req, err := c.request(ctx, params)
	if err != nil {
		return err
	}

	url := c.buildURL(endpoint)
	resp, err := req.SetBody(payload).Post(url)
	return c.handle(http.MethodPost, url, resp, err, result)
}

// Ping verifies the instance is reachable and the credentials are accepted
func (c *Client) Ping(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.Get(ctx, "api/system/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) request(ctx context.Context, params map[string]string) (*resty.Request, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: "rate limit", URL: c.baseURL, Err: err}
		}
	}

	req := c.http.R().SetContext(ctx)
	if params != nil {
		req.SetQueryParams(params)
	}
	return req, nil
}

func (c *Client) handle(method, url string, resp *resty.Response, err error, result interface{}) error {
	if err != nil {
		return &TransportError{Op: method, URL: url, Err: err}
	}

	if !resp.IsSuccess() {
		return &HTTPError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
			Body:       resp.Body(),
		}
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return &DecodeError{URL: url, Err: err}
	}

	return nil
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

// SystemInfo is the subset of api/system/info used to confirm a connection
type SystemInfo struct {
	Version     string `json:"version"`
	Revision    string `json:"revision"`
	ServerDate  string `json:"serverDate"`
	SystemName  string `json:"systemName"`
	ContextPath string `json:"contextPath"`
}

type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.log.Error().Str("fn", "resty").Msgf(format, v...)
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn().Str("fn", "resty").Msgf(format, v...)
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug().Str("fn", "resty").Msgf(format, v...)
}
