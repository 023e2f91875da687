// Package rest issues REST calls through the rate gate.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/ratelimit"
)

const maxResponseSize = 8 << 20

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderRetryAfter = "Retry-After"
	HeaderAuditLog   = "X-Audit-Log-Reason"
)

// majorParams are the route parameters that get their own rate limit bucket.
var majorParams = map[string]bool{
	"channel.id": true,
	"guild.id":   true,
	"webhook.id": true,
}

// Config defines the REST client configuration.
type Config struct {
	// BaseURL is the API root, e.g. https://discord.com/api/v10.
	BaseURL string
	// Token authenticates every request.
	Token string
	// UserAgent is sent with every request.
	UserAgent string
	// Timeout bounds a call, rate gate wait included, when the context has no
	// deadline.
	Timeout time.Duration
}

// DefaultConfig returns the default REST configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://discord.com/api/v10",
		UserAgent: "DiscordBot (https://github.com/luciancaetano/kephasgate, 1.0)",
		Timeout:   15 * time.Second,
	}
}

// Client calls the REST API. It is safe for concurrent use.
type Client struct {
	cfg    Config
	gate   *ratelimit.Gate
	http   *http.Client
	logger *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client that waits on gate before every request. The default
// HTTP client is instrumented with OpenTelemetry.
func New(cfg Config, gate *ratelimit.Gate, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	c := &Client{
		cfg:  cfg,
		gate: gate,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request describes one REST call.
type Request struct {
	Method string
	// Route is the path template, e.g. /channels/{channel.id}/messages.
	Route  string
	Params map[string]string
	Query  url.Values
	Body   any
	// Reason is recorded in the audit log.
	Reason string
}

// APIError is a non-2xx response.
type APIError struct {
	// Status is the HTTP status code.
	Status int
	// Code is the API error code, when the body carried one.
	Code int
	// Message is the API error message, when the body carried one.
	Message string
	// Body contains the raw response body.
	Body []byte
	// RetryAfter is the delay the server asked for on a 429.
	RetryAfter time.Duration
	// Global reports whether a 429 hit the global limit.
	Global bool
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: status %d: %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("rest: status %d", e.Status)
}

// Unwrap makes 429 responses match kephasgate.ErrRateLimited.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusTooManyRequests {
		return kephasgate.ErrRateLimited
	}
	return nil
}

type errorBody struct {
	Message    string  `json:"message"`
	Code       int     `json:"code"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// RouteKey returns the rate limit bucket key for a route. Major parameters
// are substituted; minor ones keep their placeholder so that, for example,
// every message of a channel shares one bucket.
func RouteKey(method, route string, params map[string]string) string {
	key := expand(route, func(name string) (string, bool) {
		if !majorParams[name] {
			return "", false
		}
		v, ok := params[name]
		return v, ok
	})
	return strings.ToUpper(method) + " " + key
}

// Path substitutes every route parameter, escaping values.
func Path(route string, params map[string]string) (string, error) {
	var missing []string
	p := expand(route, func(name string) (string, bool) {
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return "", false
		}
		return url.PathEscape(v), true
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("route %s: missing parameters %s", route, strings.Join(missing, ", "))
	}
	return p, nil
}

func expand(route string, lookup func(name string) (string, bool)) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(route, '{')
		if start < 0 {
			b.WriteString(route)
			return b.String()
		}
		end := strings.IndexByte(route[start:], '}')
		if end < 0 {
			b.WriteString(route)
			return b.String()
		}
		end += start
		b.WriteString(route[:start])
		if v, ok := lookup(route[start+1 : end]); ok {
			b.WriteString(v)
		} else {
			b.WriteString(route[start : end+1])
		}
		route = route[end+1:]
	}
}

// Do sends req and decodes a JSON response into out when out is not nil.
//
// The call waits on the rate gate first, feeds the response's rate limit
// headers back into it and reports a 429 with its retry-after. Do never
// retries; a 429 is returned as an *APIError matching
// kephasgate.ErrRateLimited.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	path, err := Path(req.Route, req.Params)
	if err != nil {
		return err
	}
	key := RouteKey(req.Method, req.Route, req.Params)

	httpReq, err := c.newRequest(ctx, req, path)
	if err != nil {
		return err
	}

	if err := c.gate.Acquire(ctx, key); err != nil {
		return err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", kephasgate.ErrCancelled, key, err)
		}
		return fmt.Errorf("%w: %s: %v", kephasgate.ErrTransport, key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", kephasgate.ErrTransport, key, err)
	}

	if limits, ok := parseLimits(resp.Header); ok {
		c.gate.Observe(key, limits)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr := newAPIError(resp, body)
		c.gate.ReportLimited(key, apiErr.RetryAfter, apiErr.Global)
		return apiErr
	}
	if resp.StatusCode >= 300 {
		apiErr := newAPIError(resp, body)
		c.logger.Debug("rest call failed", zap.String("route", key), zap.Int("status", apiErr.Status), zap.String("message", apiErr.Message))
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", kephasgate.ErrProtocol, key, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, req Request, path string) (*http.Request, error) {
	target := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(req.Body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = buf
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bot "+c.cfg.Token)
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Reason != "" {
		httpReq.Header.Set(HeaderAuditLog, url.PathEscape(req.Reason))
	}
	return httpReq, nil
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Body: body}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		apiErr.Message = eb.Message
		apiErr.Code = eb.Code
		apiErr.Global = eb.Global
		if eb.RetryAfter > 0 {
			apiErr.RetryAfter = seconds(eb.RetryAfter)
		}
	}
	if global, err := strconv.ParseBool(resp.Header.Get(HeaderGlobal)); err == nil && global {
		apiErr.Global = true
	}
	if apiErr.RetryAfter == 0 {
		apiErr.RetryAfter = parseSeconds(resp.Header.Get(HeaderRetryAfter))
	}
	if apiErr.RetryAfter == 0 {
		apiErr.RetryAfter = parseSeconds(resp.Header.Get(HeaderResetAfter))
	}
	return apiErr
}

// parseLimits reads the rate limit headers. ok is false when the response
// carried none.
func parseLimits(h http.Header) (ratelimit.Limits, bool) {
	remaining := h.Get(HeaderRemaining)
	if remaining == "" {
		return ratelimit.Limits{}, false
	}
	r, err := strconv.Atoi(remaining)
	if err != nil {
		return ratelimit.Limits{}, false
	}
	limit, _ := strconv.Atoi(h.Get(HeaderLimit))
	return ratelimit.Limits{
		Limit:      limit,
		Remaining:  r,
		ResetAfter: parseSeconds(h.Get(HeaderResetAfter)),
	}, true
}

func parseSeconds(v string) time.Duration {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return seconds(f)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// IsRateLimited reports whether err is a 429 and returns the retry-after.
func IsRateLimited(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
