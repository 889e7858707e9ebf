// Package provider is the shared HTTP plumbing for outbound provider adapters.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ar-collect/internal/metrics"
)

const (
	formContentType = "application/x-www-form-urlencoded"
	jsonContentType = "application/json"
	maxErrorSnippet = 512
)

var (
	// ErrUnauthorized indicates the provider rejected the configured credentials.
	ErrUnauthorized = errors.New("provider rejected credentials")
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrRejected indicates the provider refused the request as invalid.
	ErrRejected = errors.New("provider rejected request")
	// ErrUnavailable indicates a transport failure or a provider-side error.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrNotConfigured is returned when an adapter has no credentials.
	ErrNotConfigured = errors.New("provider not configured")
)

// Authorizer decorates an outgoing request with credentials.
type Authorizer func(r *http.Request)

// Bearer authorizes with an Authorization: Bearer header.
func Bearer(token string) Authorizer {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

// Basic authorizes with HTTP basic auth.
func Basic(user, password string) Authorizer {
	return func(r *http.Request) {
		r.SetBasicAuth(user, password)
	}
}

// Config holds connection settings for one provider.
type Config struct {
	Name    string
	BaseURL string
	Timeout time.Duration
	Auth    Authorizer
}

// Client issues requests against a single provider base URL, recording metrics per call.
type Client struct {
	name    string
	baseURL string
	auth    Authorizer
	http    *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a provider client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		auth:    cfg.Auth,
		http:    &http.Client{Timeout: timeout},
		metrics: metricRegistry,
		logger:  logger.With("component", cfg.Name),
	}
}

// PostJSON sends body as JSON and decodes the response into dest when non-nil.
func (c *Client) PostJSON(ctx context.Context, endpoint string, body, dest any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(data), jsonContentType, dest)
}

// PostForm sends url-encoded values and decodes the response into dest when non-nil.
func (c *Client) PostForm(ctx context.Context, endpoint string, values url.Values, dest any) error {
	return c.do(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()), formContentType, dest)
}

// Get fetches endpoint and decodes the response into dest.
func (c *Client) Get(ctx context.Context, endpoint string, dest any) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, "", dest)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", jsonContentType)
	req.Header.Set("User-Agent", "ar-collect/"+c.name)
	if c.auth != nil {
		c.auth(req)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveAdapter(c.name, 0, time.Since(start))
		return fmt.Errorf("%s request: %w: %w", c.name, ErrUnavailable, err)
	}
	defer res.Body.Close()
	c.metrics.ObserveAdapter(c.name, res.StatusCode, time.Since(start))

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode >= 400 {
		c.logger.Warn("provider request failed", "endpoint", endpoint, "status", res.StatusCode)
		return classifyHTTPError(c.name, res.StatusCode, string(bodyBytes))
	}

	if dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", c.name, err)
	}
	return nil
}

func classifyHTTPError(name string, status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %s", name, ErrUnauthorized, snippet)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: %s", name, ErrRateLimited, snippet)
	case status >= 500:
		return fmt.Errorf("%s: %w: status=%d body=%s", name, ErrUnavailable, status, snippet)
	default:
		return fmt.Errorf("%s: %w: status=%d body=%s", name, ErrRejected, status, snippet)
	}
}
