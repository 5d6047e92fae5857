package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/internal/fakeinstance"
)

// slowDoer delays refresh requests so concurrent callers pile up on the
// same in-flight refresh.
type slowDoer struct {
	inner Doer
	delay time.Duration
}

func (d *slowDoer) Do(req *http.Request) (*http.Response, error) {
	if strings.Contains(req.URL.Path, "/auth/refresh") {
		time.Sleep(d.delay)
	}
	return d.inner.Do(req)
}

// TestClientRetryOnceAfterRefresh tests that a 401 triggers one refresh
// and one reissue of the original request
func TestClientRetryOnceAfterRefresh(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	user := srv.SeedUser("alice@example.com", "alice", "password1")
	access, refresh := srv.IssueTokens(user.ID)

	var gotAccess, gotRefresh string
	c := New(srv.URL(), Options{
		AccessToken:  access,
		RefreshToken: refresh,
		OnTokensRefreshed: func(a, r string) {
			gotAccess, gotRefresh = a, r
		},
	})

	srv.ExpireAccessTokens()

	raw, err := c.Do(context.Background(), http.MethodGet, "/api/users/me", ReqOptions{})
	require.NoError(t, err)
	me, err := api.Decode[api.User](raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.Username)

	// Original request, then one retry with the refreshed token.
	assert.Equal(t, 2, srv.Requests(http.MethodGet, "/api/users/me"))
	assert.Equal(t, 1, srv.Requests(http.MethodPost, "/api/auth/refresh"))

	// The new pair was adopted and reported.
	assert.NotEqual(t, access, c.AccessToken())
	assert.NotEqual(t, refresh, c.RefreshToken())
	assert.Equal(t, c.AccessToken(), gotAccess)
	assert.Equal(t, c.RefreshToken(), gotRefresh)
}

// TestClientAuthExhausted tests that a stale pair surfaces an error
// matching both ErrAuthExhausted and the underlying HTTP 401
func TestClientAuthExhausted(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	user := srv.SeedUser("alice@example.com", "alice", "password1")
	access, refresh := srv.IssueTokens(user.ID)

	c := New(srv.URL(), Options{AccessToken: access, RefreshToken: refresh})

	srv.ExpireAccessTokens()
	srv.SetFailRefresh(true)

	_, err := c.Do(context.Background(), http.MethodGet, "/api/users/me", ReqOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthExhausted))

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)

	// A failed refresh leaves the held pair unchanged.
	assert.Equal(t, access, c.AccessToken())
	assert.Equal(t, refresh, c.RefreshToken())
}

// TestClientNoRetryLoop tests that a 401 surviving its one recovery is
// not retried again
func TestClientNoRetryLoop(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	// No refresh token held; the external recovery path hands back a
	// token the server does not accept.
	c := New(srv.URL(), Options{
		AccessToken: "bogus",
		OnAuthFailure: func(ctx context.Context) (string, error) {
			return "still-bogus", nil
		},
	})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/users/me", ReqOptions{})
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)

	// Exactly the original request and one retry.
	assert.Equal(t, 2, srv.Requests(http.MethodGet, "/api/users/me"))
	// The recovered token was adopted even though it did not help.
	assert.Equal(t, "still-bogus", c.AccessToken())
}

// TestClientAuthFailureCallbackError tests that a failing recovery
// callback surfaces as exhaustion
func TestClientAuthFailureCallbackError(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := New(srv.URL(), Options{
		AccessToken: "bogus",
		OnAuthFailure: func(ctx context.Context) (string, error) {
			return "", errors.New("authority unreachable")
		},
	})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/users/me", ReqOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthExhausted))
	assert.Equal(t, 1, srv.Requests(http.MethodGet, "/api/users/me"))
}

// TestClientSingleFlightRefresh tests that concurrent 401 recoveries
// share one in-flight refresh
func TestClientSingleFlightRefresh(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	user := srv.SeedUser("alice@example.com", "alice", "password1")
	access, refresh := srv.IssueTokens(user.ID)

	c := New(srv.URL(), Options{
		AccessToken:  access,
		RefreshToken: refresh,
		HTTPClient:   &slowDoer{inner: &http.Client{Timeout: 10 * time.Second}, delay: 200 * time.Millisecond},
	})

	srv.ExpireAccessTokens()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(context.Background(), http.MethodGet, "/api/users/me", ReqOptions{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, 1, srv.Requests(http.MethodPost, "/api/auth/refresh"))
}

// TestClientRefreshWithoutToken tests that refresh without a held token
// fails fast
func TestClientRefreshWithoutToken(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := New(srv.URL(), Options{})
	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, 0, srv.Requests(http.MethodPost, "/api/auth/refresh"))
}

// TestClientNoAuthSkipsRecovery tests that NoAuth requests bypass the
// bearer header and the 401 recovery path
func TestClientNoAuthSkipsRecovery(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	user := srv.SeedUser("alice@example.com", "alice", "password1")
	_, refresh := srv.IssueTokens(user.ID)

	c := New(srv.URL(), Options{RefreshToken: refresh})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/users/me", ReqOptions{NoAuth: true})
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.False(t, errors.Is(err, ErrAuthExhausted))
	assert.Equal(t, 0, srv.Requests(http.MethodPost, "/api/auth/refresh"))
}

// TestClientNetworkError tests that transport-level failures surface as
// NetworkError
func TestClientNetworkError(t *testing.T) {
	srv := fakeinstance.New()
	url := srv.URL()
	srv.Close()

	c := New(url, Options{})
	_, err := c.Do(context.Background(), http.MethodGet, "/api/instance", ReqOptions{NoAuth: true})
	require.Error(t, err)

	var netErr *NetworkError
	assert.True(t, errors.As(err, &netErr))
}

// TestClientNoContent tests that 204 responses yield a nil body
func TestClientNoContent(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	user := srv.SeedUser("alice@example.com", "alice", "password1")
	_, refresh := srv.IssueTokens(user.ID)

	c := New(srv.URL(), Options{})
	raw, err := c.Do(context.Background(), http.MethodDelete, "/api/auth/logout", ReqOptions{
		Body:   api.LogoutRequest{RefreshToken: refresh},
		NoAuth: true,
	})
	require.NoError(t, err)
	assert.Nil(t, raw)
}

// TestClientErrorBodyMessage tests that the server's error envelope is
// carried into HTTPError
func TestClientErrorBodyMessage(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := New(srv.URL(), Options{})
	_, err := c.Do(context.Background(), http.MethodPost, "/api/auth/login", ReqOptions{
		Body:   api.LoginRequest{Email: "nobody@example.com", Password: "wrong"},
		NoAuth: true,
	})
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "invalid credentials", httpErr.Message)
}
