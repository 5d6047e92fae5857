// Package authclient is a client for a central authentication authority:
// a shared service whose token pair is honored by every instance that
// advertises it. It is used directly for the central-auth flow and as
// the fallback recovery path injected into central-auth instance
// transports.
package authclient

import (
	"context"
	"net/http"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/transport"
)

// ErrNoRefreshToken is returned by Refresh when no refresh token is held.
var ErrNoRefreshToken = transport.ErrNoRefreshToken

// Options configures a Client.
type Options struct {
	AccessToken  string
	RefreshToken string

	// OnTokensRefreshed is invoked with every new pair produced by a
	// successful refresh, so durable session state can be updated and the
	// new access token distributed to central-auth connections.
	OnTokensRefreshed func(accessToken, refreshToken string)

	// HTTPClient overrides the default http.Client.
	HTTPClient transport.Doer
}

// Client wraps the authority's register/login/refresh/logout/profile
// protocol. Authenticated calls share the transport's
// retry-once-then-propagate behavior.
type Client struct {
	http *transport.Client
}

// New creates a client for the authority at the given URL.
func New(authorityURL string, opts Options) *Client {
	return &Client{
		http: transport.New(authorityURL, transport.Options{
			AccessToken:       opts.AccessToken,
			RefreshToken:      opts.RefreshToken,
			OnTokensRefreshed: opts.OnTokensRefreshed,
			HTTPClient:        opts.HTTPClient,
		}),
	}
}

// AuthorityURL returns the normalized authority base URL.
func (c *Client) AuthorityURL() string { return c.http.BaseURL() }

// AccessToken returns the current access token, if any.
func (c *Client) AccessToken() string { return c.http.AccessToken() }

// RefreshToken returns the current refresh token, if any.
func (c *Client) RefreshToken() string { return c.http.RefreshToken() }

// SetTokens replaces the held credential pair.
func (c *Client) SetTokens(accessToken, refreshToken string) {
	c.http.SetTokens(accessToken, refreshToken)
}

// Register creates an account and adopts the returned pair.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.AuthResponse, error) {
	raw, err := c.http.Do(ctx, http.MethodPost, "/api/auth/register", transport.ReqOptions{Body: req, NoAuth: true})
	if err != nil {
		return nil, err
	}
	auth, err := api.Decode[api.AuthResponse](raw)
	if err != nil {
		return nil, err
	}
	c.http.SetTokens(auth.AccessToken, auth.RefreshToken)
	return &auth, nil
}

// Login authenticates and adopts the returned pair.
func (c *Client) Login(ctx context.Context, req api.LoginRequest) (*api.AuthResponse, error) {
	raw, err := c.http.Do(ctx, http.MethodPost, "/api/auth/login", transport.ReqOptions{Body: req, NoAuth: true})
	if err != nil {
		return nil, err
	}
	auth, err := api.Decode[api.AuthResponse](raw)
	if err != nil {
		return nil, err
	}
	c.http.SetTokens(auth.AccessToken, auth.RefreshToken)
	return &auth, nil
}

// Refresh exchanges the held refresh token for a new pair. It fails with
// ErrNoRefreshToken when none is held, and leaves the held pair
// unchanged on failure. Concurrent callers share one in-flight refresh.
func (c *Client) Refresh(ctx context.Context) (*api.AuthResponse, error) {
	return c.http.Refresh(ctx)
}

// Logout revokes the held refresh token and clears the local credential
// state. It is a no-op when nothing is held.
func (c *Client) Logout(ctx context.Context) error {
	refreshToken := c.http.RefreshToken()
	if refreshToken == "" {
		return nil
	}
	_, err := c.http.Do(ctx, http.MethodDelete, "/api/auth/logout", transport.ReqOptions{
		Body:   api.LogoutRequest{RefreshToken: refreshToken},
		NoAuth: true,
	})
	if err != nil {
		return err
	}
	c.http.ClearTokens()
	return nil
}

// Me fetches the current user's profile.
func (c *Client) Me(ctx context.Context) (*api.User, error) {
	raw, err := c.http.Do(ctx, http.MethodGet, "/api/users/me", transport.ReqOptions{})
	if err != nil {
		return nil, err
	}
	user, err := api.Decode[api.User](raw)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateMe patches the current user's profile.
func (c *Client) UpdateMe(ctx context.Context, req api.UpdateUserRequest) (*api.User, error) {
	raw, err := c.http.Do(ctx, http.MethodPatch, "/api/users/me", transport.ReqOptions{Body: req})
	if err != nil {
		return nil, err
	}
	user, err := api.Decode[api.User](raw)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
