// Package verification notifies the companion token-verification service of
// issued and revoked token ids.
//
// Notifications are best-effort. [Dispatcher] queues them and delivers from a
// background worker, each call under its own timeout, so sign-in and logout
// never wait on the verification service.
package verification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout   = 2 * time.Second
	DefaultRateLimit = 50 // requests per second
)

// Service is the verification-service contract.
type Service interface {
	RegisterIssuedToken(ctx context.Context, jti string) error
	Revoke(ctx context.Context, jti string) error
	RevokeOnRefresh(ctx context.Context, oldJTI string) error
}

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// NewClient creates a verification client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-success response from the verification service.
type StatusError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("verification service error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// RegisterIssuedToken implements Service.
func (c *Client) RegisterIssuedToken(ctx context.Context, jti string) error {
	return c.do(ctx, http.MethodPost, "/token?authJwtId="+url.QueryEscape(jti))
}

// Revoke implements Service. A 404 means the service never saw the token
// and is treated as success.
func (c *Client) Revoke(ctx context.Context, jti string) error {
	err := c.do(ctx, http.MethodDelete, "/token/"+url.PathEscape(jti))
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// RevokeOnRefresh implements Service.
func (c *Client) RevokeOnRefresh(ctx context.Context, oldJTI string) error {
	return c.do(ctx, http.MethodPost, "/token/refresh?accessJwtId="+url.QueryEscape(oldJTI))
}

func (c *Client) do(ctx context.Context, method, path string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Endpoint: path, Message: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
