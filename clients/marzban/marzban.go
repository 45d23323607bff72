// Package marzban is the HTTP client for the Marzban panel API: admin
// token lifecycle, user CRUD and usage queries. All calls go through the
// shared retry executor and the "panel_api" circuit breaker.
package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veselovd/marzbot/clients/retry"
)

// BreakerKey is the registry key shared by every panel call, so failures
// of any endpoint count against the same breaker.
const BreakerKey = "panel_api"

// Panel tokens are valid for an hour; we refresh slightly lazily, on the
// first request after expiry.
const tokenTTL = time.Hour

const defaultTimeout = 30 * time.Second

var ErrEmptyUpdate = errors.New("marzban: no fields to update")

// Config carries the panel connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// Timeout bounds each request end to end, including the body read.
	Timeout time.Duration
}

// Client talks to one Marzban panel. A single pooled http.Client is held
// for the whole lifetime; Close releases its idle connections.
type Client struct {
	baseURL  string
	username string
	password string
	timeout  time.Duration

	http    *http.Client
	breaker *retry.Breaker
	policy  retry.Policy
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

func New(cfg Config, policy retry.Policy, registry *retry.Registry, logger *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if policy.Retryable == nil {
		policy.Retryable = Retryable
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		timeout:  cfg.Timeout,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				MaxConnsPerHost:     5,
			},
		},
		breaker: registry.Get(BreakerKey),
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}
}

// Close releases pooled connections. The client must not be used after.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// APIError is a non-2xx panel response.
type APIError struct {
	StatusCode int
	Method     string
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marzban: %s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// IsNotFound reports whether err is a panel 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}

// Retryable classifies transport errors and 5xx responses as retryable;
// 4xx responses and malformed bodies are not.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Status is the panel-side account status.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// User is the panel representation of an account.
type User struct {
	Username        string         `json:"username"`
	Proxies         map[string]any `json:"proxies,omitempty"`
	DataLimit       int64          `json:"data_limit"`
	UsedTraffic     int64          `json:"used_traffic"`
	Expire          int64          `json:"expire"`
	Status          Status         `json:"status"`
	SubscriptionURL string         `json:"subscription_url,omitempty"`
}

// Usage is the consumption view of a user.
type Usage struct {
	UsedTraffic int64
	DataLimit   int64
	Expire      int64
	Status      Status
}

// UserUpdate carries a partial update; nil fields are left untouched
// on the panel side.
type UserUpdate struct {
	DataLimit *int64  `json:"data_limit,omitempty"`
	Expire    *int64  `json:"expire,omitempty"`
	Status    *Status `json:"status,omitempty"`
}

func (u UserUpdate) isEmpty() bool {
	return u.DataLimit == nil && u.Expire == nil && u.Status == nil
}

// ---- token lifecycle ----

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// getToken returns a cached token or logs in when the cache is cold or
// stale.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpires) {
		return c.token, nil
	}
	return c.loginLocked(ctx)
}

// invalidateToken drops the cached token so the next call re-authenticates.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpires = time.Time{}
	c.mu.Unlock()
}

// relogin forces a fresh login regardless of cache state. Used on 401.
func (c *Client) relogin(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request admin token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body bytes.Buffer
		body.ReadFrom(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Method: http.MethodPost, Endpoint: "/api/admin/token", Body: body.String()}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("marzban: empty access token in response")
	}

	c.token = tok.AccessToken
	c.tokenExpires = c.now().Add(tokenTTL)
	c.logger.Infof("marzban token obtained, valid until %s", c.tokenExpires.Format(time.RFC3339))
	return c.token, nil
}

// ---- request plumbing ----

// do performs one authenticated request. On a 401 it re-authenticates
// exactly once and resends; a second 401 is returned as-is. When out is
// non-nil the 2xx body is decoded into it.
func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.getToken(ctx)
	if err != nil {
		return err
	}

	resp, err := c.roundTrip(ctx, method, endpoint, payload, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.invalidateToken()
		token, err = c.relogin(ctx)
		if err != nil {
			return err
		}
		resp, err = c.roundTrip(ctx, method, endpoint, payload, token)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body bytes.Buffer
		body.ReadFrom(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Method: method, Endpoint: endpoint, Body: body.String()}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, endpoint, err)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, payload any, token string) (*http.Response, error) {
	var body *bytes.Buffer
	if payload != nil {
		body = &bytes.Buffer{}
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return nil, fmt.Errorf("encode %s %s payload: %w", method, endpoint, err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = body
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// ---- domain operations ----

// CreateUser provisions an account with a VLESS proxy, a data limit in
// bytes (0 means unlimited) and an expiry expireDays from now.
func (c *Client) CreateUser(ctx context.Context, username string, dataLimit int64, expireDays int) (*User, error) {
	expire := c.now().UTC().AddDate(0, 0, expireDays).Unix()
	payload := User{
		Username:  username,
		Proxies:   map[string]any{"vless": map[string]any{}},
		DataLimit: dataLimit,
		Expire:    expire,
		Status:    StatusActive,
	}

	user, err := retry.Do(ctx, c.policy, c.breaker, func(ctx context.Context) (*User, error) {
		var out User
		if err := c.do(ctx, http.MethodPost, "/api/user", payload, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", username, err)
	}
	c.logger.Infof("created marzban user %s (expires in %d days)", username, expireDays)
	return user, nil
}

// GetUser fetches an account. A missing account surfaces as *APIError
// with status 404; use IsNotFound to test for it.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	endpoint := "/api/user/" + url.PathEscape(username)
	return retry.Do(ctx, c.policy, c.breaker, func(ctx context.Context) (*User, error) {
		var out User
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// UpdateUser applies a partial update. An update with no fields set is
// rejected before any network I/O.
func (c *Client) UpdateUser(ctx context.Context, username string, upd UserUpdate) (*User, error) {
	if upd.isEmpty() {
		return nil, ErrEmptyUpdate
	}
	endpoint := "/api/user/" + url.PathEscape(username)
	user, err := retry.Do(ctx, c.policy, c.breaker, func(ctx context.Context) (*User, error) {
		var out User
		if err := c.do(ctx, http.MethodPut, endpoint, upd, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("update user %s: %w", username, err)
	}
	return user, nil
}

// DeleteUser removes an account best-effort: failures are logged and
// reported as false, never as an error.
func (c *Client) DeleteUser(ctx context.Context, username string) bool {
	endpoint := "/api/user/" + url.PathEscape(username)
	_, err := retry.Do(ctx, c.policy, c.breaker, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodDelete, endpoint, nil, nil)
	})
	if err != nil {
		c.logger.Errorf("delete marzban user %s: %v", username, err)
		return false
	}
	c.logger.Infof("deleted marzban user %s", username)
	return true
}

// GetUsage returns the consumption view of an account.
func (c *Client) GetUsage(ctx context.Context, username string) (*Usage, error) {
	user, err := c.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return &Usage{
		UsedTraffic: user.UsedTraffic,
		DataLimit:   user.DataLimit,
		Expire:      user.Expire,
		Status:      user.Status,
	}, nil
}

type listResponse struct {
	Users []User `json:"users"`
	Total int    `json:"total"`
}

// ListUsers returns up to limit panel accounts.
func (c *Client) ListUsers(ctx context.Context, limit int) ([]User, error) {
	endpoint := fmt.Sprintf("/api/user?limit=%d", limit)
	return retry.Do(ctx, c.policy, c.breaker, func(ctx context.Context) ([]User, error) {
		var out listResponse
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
			return nil, err
		}
		return out.Users, nil
	})
}

// Health reports whether the panel accepts our credentials right now.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.getToken(ctx)
	return err == nil
}
