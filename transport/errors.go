package transport

import (
	"errors"
	"fmt"
)

// NetworkError indicates the request never reached the server or the
// response never came back. It wraps the underlying transport error.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response. Message carries the server-supplied
// `{error}` body when parseable, a generic message otherwise.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// ErrAuthExhausted marks a 401 whose single recovery attempt failed. The
// returned error still matches the original *HTTPError via errors.As.
var ErrAuthExhausted = errors.New("authentication exhausted")

// ErrNoRefreshToken is returned by Refresh when no refresh token is held.
var ErrNoRefreshToken = errors.New("no refresh token")
