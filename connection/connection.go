package connection

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/transport"
)

// State represents the current state of the real-time channel.
type State int32

const (
	// StateDisconnected indicates no channel is open.
	StateDisconnected State = iota
	// StateConnecting indicates a dial is in flight.
	StateConnecting
	// StateConnected indicates the channel is open.
	StateConnected
	// StateReconnecting indicates a reconnect attempt is scheduled.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds the real-time channel tunables.
type Config struct {
	// ReconnectInterval is the fixed delay between reconnection attempts.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts bounds automatic reconnection.
	MaxReconnectAttempts int
	// HandshakeTimeout is the WebSocket dial timeout.
	HandshakeTimeout time.Duration
	// Dialer overrides the default WebSocket dialer.
	Dialer *websocket.Dialer
}

// DefaultConfig returns the protocol's fixed defaults.
func DefaultConfig() *Config {
	return &Config{
		ReconnectInterval:    api.WSReconnectInterval,
		MaxReconnectAttempts: api.WSMaxReconnectAttempts,
		HandshakeTimeout:     10 * time.Second,
	}
}

// Options configures a Connection.
type Options struct {
	// AccessToken and RefreshToken seed the credential pair.
	AccessToken  string
	RefreshToken string

	// OnAuthFailure is the external 401 recovery path (central-auth
	// instances). See transport.Options.
	OnAuthFailure func(ctx context.Context) (string, error)

	// OnTokensRefreshed is invoked after every successful local refresh.
	OnTokensRefreshed func(accessToken, refreshToken string)

	// HTTPClient overrides the default http.Client.
	HTTPClient transport.Doer

	// Config overrides DefaultConfig.
	Config *Config
}

// EventHandler receives inbound real-time events.
type EventHandler func(evt api.Event)

// Connection composes one authenticated transport with one real-time
// event channel for a single instance.
type Connection struct {
	url   string
	http  *transport.Client
	httpc transport.Doer
	cfg   *Config

	// Real-time channel state. gen invalidates in-flight dials after an
	// explicit Disconnect.
	mu                sync.Mutex
	ws                *websocket.Conn
	state             State
	gen               int
	reconnectAttempts int
	reconnectTimer    *time.Timer
	subscribers       map[int]EventHandler
	nextSubID         int

	// Serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// New creates a connection for the instance at the given URL. The URL's
// trailing slash, if any, is stripped.
func New(url string, opts Options) *Connection {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}

	return &Connection{
		url: api.NormalizeURL(url),
		http: transport.New(url, transport.Options{
			AccessToken:       opts.AccessToken,
			RefreshToken:      opts.RefreshToken,
			OnAuthFailure:     opts.OnAuthFailure,
			OnTokensRefreshed: opts.OnTokensRefreshed,
			HTTPClient:        opts.HTTPClient,
		}),
		httpc:       httpc,
		cfg:         cfg,
		subscribers: make(map[int]EventHandler),
	}
}

// URL returns the normalized instance URL.
func (c *Connection) URL() string { return c.url }

// AccessToken returns the transport's current access token.
func (c *Connection) AccessToken() string { return c.http.AccessToken() }

// RefreshToken returns the transport's current refresh token.
func (c *Connection) RefreshToken() string { return c.http.RefreshToken() }

// SetAccessToken replaces the access token only; used to distribute a
// refreshed central token.
func (c *Connection) SetAccessToken(token string) { c.http.SetAccessToken(token) }

// SetTokens replaces the credential pair.
func (c *Connection) SetTokens(accessToken, refreshToken string) {
	c.http.SetTokens(accessToken, refreshToken)
}

// wsEndpoint derives the real-time endpoint from the instance URL.
func (c *Connection) wsEndpoint() string {
	u := c.url
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/ws"
}
