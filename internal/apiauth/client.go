// Package apiauth implements the JWT token protocol shared by the source and
// sink API clients: username/password login issuing an access and a refresh
// token, transparent refresh on HTTP 401, and full re-authentication when the
// refresh token itself is rejected.
package apiauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/types"
)

// DefaultTimeout bounds a request when the caller supplies none.
const DefaultTimeout = 30 * time.Second

// Config describes one upstream API.
type Config struct {
	// BaseURL including the API prefix, e.g. "https://host/api/v1".
	BaseURL  string
	Username string
	Password string
	Logger   *zap.Logger
}

// Client is a token-managing HTTP client. Safe for concurrent use.
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
	log      *zap.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// New builds a client. No network traffic happens until the first request.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:     strings.TrimSuffix(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		// per-request deadlines come from contexts in Do
		http: &http.Client{},
		log:  log,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Authenticate performs a fresh login and stores both tokens.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return err
	}

	data, status, err := c.roundTrip(ctx, http.MethodPost, c.base+"/auth/login", body, "", DefaultTimeout)
	if err != nil {
		return types.Wrap(types.KindConnection, err, "login request failed")
	}
	if status != http.StatusOK {
		return types.E(types.KindAuth, "login rejected with status %d", status)
	}

	var tok tokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		return types.Wrap(types.KindAuth, err, "malformed login response")
	}

	c.mu.Lock()
	c.accessToken = tok.AccessToken
	c.refreshToken = tok.RefreshToken
	c.mu.Unlock()

	c.log.Info("authenticated", zap.String("base_url", c.base))
	return nil
}

// refresh exchanges the refresh token for a new access token, falling back to
// a full re-authentication when the refresh is rejected.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	rt := c.refreshToken
	c.mu.Unlock()
	if rt == "" {
		return c.Authenticate(ctx)
	}

	body, err := json.Marshal(map[string]string{"refresh_token": rt})
	if err != nil {
		return err
	}
	data, status, err := c.roundTrip(ctx, http.MethodPost, c.base+"/auth/refresh", body, "", DefaultTimeout)
	if err != nil {
		return types.Wrap(types.KindConnection, err, "token refresh failed")
	}
	if status != http.StatusOK {
		c.log.Warn("token refresh rejected, re-authenticating", zap.Int("status", status))
		return c.Authenticate(ctx)
	}

	var tok tokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		return types.Wrap(types.KindAuth, err, "malformed refresh response")
	}

	c.mu.Lock()
	c.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.refreshToken = tok.RefreshToken
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.accessToken
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, nil
}

// Do executes an authenticated request against path (relative to the base
// URL). A 401 response triggers one token refresh and a retry; a second 401
// triggers full re-authentication and a final attempt. The response body and
// status are returned for any other status; transport failures come back as
// connection errors.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, payload any, timeout time.Duration) ([]byte, int, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	tok, err := c.token(ctx)
	if err != nil {
		return nil, 0, err
	}

	data, status, err := c.roundTrip(ctx, method, u, body, tok, timeout)
	if err != nil {
		return nil, 0, types.Wrap(types.KindConnection, err, "%s %s failed", method, path)
	}
	if status != http.StatusUnauthorized {
		return data, status, nil
	}

	// expired access token: refresh once and retry
	if err := c.refresh(ctx); err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	tok = c.accessToken
	c.mu.Unlock()

	data, status, err = c.roundTrip(ctx, method, u, body, tok, timeout)
	if err != nil {
		return nil, 0, types.Wrap(types.KindConnection, err, "%s %s failed", method, path)
	}
	if status != http.StatusUnauthorized {
		return data, status, nil
	}

	// refresh token was stale too: start over from credentials
	if err := c.Authenticate(ctx); err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	tok = c.accessToken
	c.mu.Unlock()

	data, status, err = c.roundTrip(ctx, method, u, body, tok, timeout)
	if err != nil {
		return nil, 0, types.Wrap(types.KindConnection, err, "%s %s failed", method, path)
	}
	return data, status, nil
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body []byte, bearer string, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}
