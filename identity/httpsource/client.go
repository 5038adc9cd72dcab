// Package httpsource provides identity adapters for the prison, probation
// and directory user APIs.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MrEthical07/fedauth/identity"
)

const (
	DefaultTimeout   = 2 * time.Second
	DefaultRateLimit = 20 // requests per second
)

// Client is an identity.Adapter backed by a JSON user API.
type Client struct {
	source     identity.Source
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
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

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
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

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates an adapter for source rooted at baseURL.
func NewClient(source identity.Source, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		source:  source,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a non-success response from the user API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("user API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Source implements identity.Adapter.
func (c *Client) Source() identity.Source {
	return c.source
}

// Lookup implements identity.Adapter.
func (c *Client) Lookup(ctx context.Context, username string) (*identity.Identity, error) {
	var resp personResponse
	path := "/users/" + url.PathEscape(identity.CanonicalUsername(username))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, c.mapError(err)
	}
	return resp.toIdentity(c.source), nil
}

// LookupByEmail implements identity.EmailLookup.
func (c *Client) LookupByEmail(ctx context.Context, email string) ([]*identity.Identity, error) {
	var resp []personResponse
	path := "/users?email=" + url.QueryEscape(identity.CanonicalEmail(email))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		err = c.mapError(err)
		if errors.Is(err, identity.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]*identity.Identity, 0, len(resp))
	for _, p := range resp {
		out = append(out, p.toIdentity(c.source))
	}
	return out, nil
}

// VerifyPassword implements identity.CredentialVerifier. A 401 or 403 from
// the source means the password was rejected.
func (c *Client) VerifyPassword(ctx context.Context, username, password string) (bool, error) {
	body := authenticateRequest{Password: password}
	path := "/users/" + url.PathEscape(identity.CanonicalUsername(username)) + "/authenticate"
	err := c.do(ctx, http.MethodPost, path, body, nil)
	if err == nil {
		return true, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return false, nil
		}
	}
	return false, c.mapError(err)
}

func (c *Client) mapError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return identity.ErrNotFound
	}
	return identity.Unavailable(c.source, err)
}

// do performs a rate-limited request and decodes a JSON response into result
// when result is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("user API request",
		zap.String("source", string(c.source)),
		zap.String("method", method),
		zap.String("path", path),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Endpoint:   path,
		}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type authenticateRequest struct {
	Password string `json:"password"`
}

type personResponse struct {
	Username               string   `json:"username"`
	UserID                 string   `json:"userId"`
	FirstName              string   `json:"firstName"`
	LastName               string   `json:"lastName"`
	Email                  string   `json:"email"`
	EmailVerified          bool     `json:"emailVerified"`
	SecondaryEmail         string   `json:"secondaryEmail"`
	SecondaryEmailVerified bool     `json:"secondaryEmailVerified"`
	Mobile                 string   `json:"mobile"`
	MobileVerified         bool     `json:"mobileVerified"`
	MFAPreference          string   `json:"mfaPreference"`
	MFAEnabled             bool     `json:"mfaEnabled"`
	Enabled                *bool    `json:"enabled"`
	Authorities            []string `json:"authorities"`
	Groups                 []string `json:"groups"`
}

func (p personResponse) toIdentity(source identity.Source) *identity.Identity {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	id := &identity.Identity{
		Username:               p.Username,
		Source:                 source,
		UserID:                 p.UserID,
		DisplayName:            strings.TrimSpace(p.FirstName + " " + p.LastName),
		Email:                  p.Email,
		EmailVerified:          p.EmailVerified,
		SecondaryEmail:         p.SecondaryEmail,
		SecondaryEmailVerified: p.SecondaryEmailVerified,
		Mobile:                 p.Mobile,
		MobileVerified:         p.MobileVerified,
		MFAPreference:          identity.MFAPreference(strings.ToUpper(p.MFAPreference)),
		MFAEnabled:             p.MFAEnabled,
		Enabled:                enabled,
		Authorities:            p.Authorities,
		Groups:                 p.Groups,
	}
	id.Normalize()
	return id
}
