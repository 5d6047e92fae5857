package connection

import (
	"encoding/json"
	"net/url"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/logger"
)

// Connect opens the real-time channel. It is a no-op when no access
// token is held or when a channel is already open or being opened.
// Failures are never surfaced; they feed the reconnect state machine.
func (c *Connection) Connect() {
	token := c.http.AccessToken()
	if token == "" {
		return
	}

	c.mu.Lock()
	if c.ws != nil || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	go c.dial(token, gen)
}

// Disconnect closes the channel and cancels future reconnection
// attempts. An in-flight dial is let go; its socket is discarded once it
// settles. Disconnect is terminal until the next explicit Connect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectAttempts = c.cfg.MaxReconnectAttempts
	c.gen++
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

// Connected reports whether the real-time channel is open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current channel state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers a subscriber for inbound events and returns its
// unsubscribe function. Every subscriber receives every event in receive
// order; unsubscribing affects neither other subscribers nor the
// channel state.
func (c *Connection) OnEvent(fn EventHandler) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// SendEvent sends an event while the channel is open; otherwise the
// event is silently dropped. There is no outbound queue.
func (c *Connection) SendEvent(evt api.Event) {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateConnected
	c.mu.Unlock()
	if ws == nil || !open {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(evt); err != nil {
		logger.Debug("connection %s: dropped outbound %s: %v", c.url, evt.Event, err)
	}
}

// SubscribeChannel opts in to events scoped to a chat channel.
func (c *Connection) SubscribeChannel(channelID string) {
	evt, _ := api.NewEvent(api.EventSubscribeChannel, api.ChannelRef{ChannelID: channelID})
	c.SendEvent(evt)
}

// UnsubscribeChannel opts out of a chat channel's events.
func (c *Connection) UnsubscribeChannel(channelID string) {
	evt, _ := api.NewEvent(api.EventUnsubscribeChannel, api.ChannelRef{ChannelID: channelID})
	c.SendEvent(evt)
}

// SendTyping signals that the user is typing in a channel.
func (c *Connection) SendTyping(channelID string) {
	evt, _ := api.NewEvent(api.EventTypingStart, api.ChannelRef{ChannelID: channelID})
	c.SendEvent(evt)
}

// dial attempts one WebSocket handshake. The captured generation guards
// against adopting a socket that an explicit Disconnect already gave up
// on.
func (c *Connection) dial(token string, gen int) {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	}

	endpoint := c.wsEndpoint() + "?token=" + url.QueryEscape(token)
	ws, resp, err := dialer.Dial(endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if err == nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		logger.Debug("connection %s: dial failed: %v", c.url, err)
		c.scheduleReconnect()
		return
	}
	c.ws = ws
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.mu.Unlock()

	logger.Info("connection %s: real-time channel open", c.url)
	go c.readLoop(ws)
}

// readLoop delivers inbound events until the socket closes. Malformed
// payloads are dropped without closing the channel.
func (c *Connection) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(ws, err)
			return
		}

		var evt api.Event
		if err := json.Unmarshal(data, &evt); err != nil || evt.Event == "" {
			continue
		}
		c.dispatch(evt)
	}
}

// dispatch fans an event out to a snapshot of the subscriber set, in
// registration order.
func (c *Connection) dispatch(evt api.Event) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]EventHandler, len(ids))
	for i, id := range ids {
		handlers[i] = c.subscribers[id]
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// handleClose transitions to Disconnected and enters the reconnect path,
// unless the socket was already replaced or explicitly closed.
func (c *Connection) handleClose(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		logger.Warn("connection %s: real-time channel lost: %v", c.url, err)
	} else {
		logger.Debug("connection %s: real-time channel closed", c.url)
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the fixed-delay reconnect timer unless the
// attempt budget is exhausted or a timer is already pending. Exhaustion
// leaves the connection silently offline with no further timers.
func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != nil || c.reconnectAttempts >= c.cfg.MaxReconnectAttempts || c.reconnectTimer != nil {
		return
	}
	c.state = StateReconnecting
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectInterval, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		// An explicit Connect during the wait may have reopened the
		// channel or started a dial; a stale firing must neither touch
		// the state nor spend budget.
		if c.ws != nil || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
			c.mu.Unlock()
			return
		}
		c.reconnectAttempts++
		c.state = StateDisconnected
		c.mu.Unlock()
		c.Connect()
	})
}

// ReconnectAttempts returns the number of reconnect attempts consumed
// since the channel was last open.
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}
