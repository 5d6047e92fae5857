// Package transport implements the authenticated HTTP transport shared
// by the per-instance connections and the central auth client. It
// attaches a bearer credential, detects authorization failure and drives
// exactly one recovery path per request before giving up.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/logger"
)

// Doer abstracts *http.Client so tests can inject a fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	// AccessToken and RefreshToken seed the credential pair. Both may be
	// empty; a client without credentials can still issue NoAuth requests.
	AccessToken  string
	RefreshToken string

	// OnAuthFailure is the external recovery path, used by central-auth
	// instances that must refresh against the central authority rather
	// than the instance itself. It is consulted only when no refresh
	// token is held locally. A returned non-empty token is adopted as the
	// new access token.
	OnAuthFailure func(ctx context.Context) (string, error)

	// OnTokensRefreshed is invoked after every successful local refresh
	// so the owner can persist the new pair.
	OnTokensRefreshed func(accessToken, refreshToken string)

	// HTTPClient overrides the default http.Client.
	HTTPClient Doer
}

// Client performs authenticated JSON requests against one base URL.
// It is safe for concurrent use.
type Client struct {
	baseURL           string
	httpc             Doer
	onAuthFailure     func(ctx context.Context) (string, error)
	onTokensRefreshed func(accessToken, refreshToken string)

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	refreshing   *refreshCall
}

// refreshCall is an in-flight refresh shared by concurrent 401 callers,
// so a credential scope never has more than one refresh in flight.
type refreshCall struct {
	done chan struct{}
	auth *api.AuthResponse
	err  error
}

// ReqOptions carries the per-request options.
type ReqOptions struct {
	// Body is JSON-encoded when non-nil.
	Body interface{}
	// Query is appended to the request URL.
	Query url.Values
	// NoAuth skips the bearer header and the 401 recovery path.
	NoAuth bool
}

// New creates a transport client for the given base URL. A trailing
// slash on the URL is stripped.
func New(baseURL string, opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:           api.NormalizeURL(baseURL),
		httpc:             httpc,
		onAuthFailure:     opts.OnAuthFailure,
		onTokensRefreshed: opts.OnTokensRefreshed,
		accessToken:       opts.AccessToken,
		refreshToken:      opts.RefreshToken,
	}
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// AccessToken returns the current access token, if any.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// RefreshToken returns the current refresh token, if any.
func (c *Client) RefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshToken
}

// SetAccessToken replaces the access token only.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// SetTokens replaces the credential pair.
func (c *Client) SetTokens(accessToken, refreshToken string) {
	c.mu.Lock()
	c.accessToken = accessToken
	c.refreshToken = refreshToken
	c.mu.Unlock()
}

// ClearTokens drops the credential pair.
func (c *Client) ClearTokens() {
	c.SetTokens("", "")
}

// Do issues a request and returns the raw response body. 204 responses
// yield a nil body. Failures are *NetworkError, *HTTPError, or an error
// matching ErrAuthExhausted when a 401 survived its one recovery.
func (c *Client) Do(ctx context.Context, method, path string, opts ReqOptions) (json.RawMessage, error) {
	return c.withAuthRetry(ctx, method, path, opts)
}

// withAuthRetry issues the request once and, on 401 for an authenticated
// call, drives exactly one recovery before reissuing the original
// request a single time. It never loops on repeated 401s.
func (c *Client) withAuthRetry(ctx context.Context, method, path string, opts ReqOptions) (json.RawMessage, error) {
	raw, err := c.doOnce(ctx, method, path, opts, c.AccessToken())
	if err == nil || opts.NoAuth {
		return raw, err
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		return raw, err
	}

	token, rerr := c.recoverAuth(ctx)
	if rerr != nil || token == "" {
		logger.Debug("transport: auth recovery for %s %s failed: %v", method, path, rerr)
		return nil, fmt.Errorf("%w: %w", ErrAuthExhausted, err)
	}
	return c.doOnce(ctx, method, path, opts, token)
}

// recoverAuth resolves a fresh access token after a 401. A locally held
// refresh token takes priority; otherwise the external auth-failure
// callback is consulted.
func (c *Client) recoverAuth(ctx context.Context) (string, error) {
	c.mu.Lock()
	hasRefresh := c.refreshToken != ""
	c.mu.Unlock()

	if hasRefresh {
		auth, err := c.Refresh(ctx)
		if err != nil {
			return "", err
		}
		return auth.AccessToken, nil
	}

	if c.onAuthFailure != nil {
		token, err := c.onAuthFailure(ctx)
		if err != nil {
			return "", err
		}
		if token != "" {
			c.SetAccessToken(token)
		}
		return token, nil
	}

	return "", errors.New("no recovery path available")
}

// Refresh exchanges the held refresh token for a new pair against this
// client's own refresh endpoint. Concurrent callers share a single
// in-flight refresh. A failed refresh leaves the held pair unchanged.
func (c *Client) Refresh(ctx context.Context) (*api.AuthResponse, error) {
	c.mu.Lock()
	if call := c.refreshing; call != nil {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-call.done:
		}
		return call.auth, call.err
	}
	token := c.refreshToken
	if token == "" {
		c.mu.Unlock()
		return nil, ErrNoRefreshToken
	}
	call := &refreshCall{done: make(chan struct{})}
	c.refreshing = call
	c.mu.Unlock()

	call.auth, call.err = c.doRefresh(ctx, token)

	c.mu.Lock()
	c.refreshing = nil
	if call.err == nil {
		c.accessToken = call.auth.AccessToken
		c.refreshToken = call.auth.RefreshToken
	}
	c.mu.Unlock()
	close(call.done)

	if call.err == nil && c.onTokensRefreshed != nil {
		c.onTokensRefreshed(call.auth.AccessToken, call.auth.RefreshToken)
	}
	return call.auth, call.err
}

func (c *Client) doRefresh(ctx context.Context, refreshToken string) (*api.AuthResponse, error) {
	raw, err := c.doOnce(ctx, http.MethodPost, "/api/auth/refresh", ReqOptions{
		Body:   api.RefreshRequest{RefreshToken: refreshToken},
		NoAuth: true,
	}, "")
	if err != nil {
		return nil, err
	}
	auth, err := api.Decode[api.AuthResponse](raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	return &auth, nil
}

// doOnce performs a single HTTP round trip with the given token.
func (c *Client) doOnce(ctx context.Context, method, path string, opts ReqOptions, token string) (json.RawMessage, error) {
	reqURL := c.baseURL + path
	if len(opts.Query) > 0 {
		reqURL += "?" + opts.Query.Encode()
	}

	var body io.Reader
	if opts.Body != nil {
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if !opts.NoAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: reqURL, Err: err}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := "request failed"
		var eb api.ErrorBody
		if jerr := json.Unmarshal(data, &eb); jerr == nil && eb.Error != "" {
			msg = eb.Error
		}
		return nil, &HTTPError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}
