package connection

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/internal/fakeinstance"
)

func fastConfig() *Config {
	return &Config{
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HandshakeTimeout:     time.Second,
	}
}

// loggedIn creates a connection with a valid pair for a fresh account.
func loggedIn(t *testing.T, srv *fakeinstance.Server, cfg *Config) *Connection {
	t.Helper()
	user := srv.SeedUser("alice@example.com", "alice", "password1")
	access, refresh := srv.IssueTokens(user.ID)
	return New(srv.URL(), Options{AccessToken: access, RefreshToken: refresh, Config: cfg})
}

// waitConnected blocks until the real-time channel is open.
func waitConnected(t *testing.T, c *Connection) {
	t.Helper()
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
}

// roundtrip sends a ping and waits for the pong, guaranteeing the server
// has processed everything sent before it.
func roundtrip(t *testing.T, c *Connection) {
	t.Helper()
	pong := make(chan struct{}, 1)
	off := c.OnEvent(func(evt api.Event) {
		if evt.Event == api.EventPong {
			select {
			case pong <- struct{}{}:
			default:
			}
		}
	})
	defer off()

	c.SendEvent(api.Event{Event: api.EventPing})
	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

// TestConnectNoopWithoutToken tests that Connect without a token does
// nothing
func TestConnectNoopWithoutToken(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := New(srv.URL(), Options{Config: fastConfig()})
	c.Connect()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, srv.ClientCount())
}

// TestConnectIdempotent tests that a second Connect while open is a
// no-op
func TestConnectIdempotent(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := loggedIn(t, srv, fastConfig())
	defer c.Disconnect()

	c.Connect()
	waitConnected(t, c)

	c.Connect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.ClientCount())
}

// TestEventDelivery tests subscription-scoped event fan-out over the
// real-time channel
func TestEventDelivery(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	ch := srv.SeedChannel("general")

	c := loggedIn(t, srv, fastConfig())
	defer c.Disconnect()

	received := make(chan api.Event, 16)
	c.OnEvent(func(evt api.Event) {
		if evt.Event == api.EventMessageCreate {
			received <- evt
		}
	})

	c.Connect()
	waitConnected(t, c)

	c.SubscribeChannel(ch.ID)
	roundtrip(t, c)

	srv.PushMessage(ch.ID, "user-1", "hello there")

	select {
	case evt := <-received:
		msg, err := evt.MessageData()
		require.NoError(t, err)
		assert.Equal(t, "hello there", msg.Content)
		assert.Equal(t, ch.ID, msg.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
	}

	// After unsubscribing, channel-scoped events stop.
	c.UnsubscribeChannel(ch.ID)
	roundtrip(t, c)
	srv.PushMessage(ch.ID, "user-1", "unseen")

	select {
	case evt := <-received:
		msg, _ := evt.MessageData()
		t.Fatalf("unexpected event after unsubscribe: %q", msg.Content)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestOnEventUnsubscribe tests that removing one subscriber leaves the
// others receiving
func TestOnEventUnsubscribe(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := loggedIn(t, srv, fastConfig())
	defer c.Disconnect()

	var first, second int
	offFirst := c.OnEvent(func(evt api.Event) {
		if evt.Event == api.EventPresenceUpdate {
			first++
		}
	})
	c.OnEvent(func(evt api.Event) {
		if evt.Event == api.EventPresenceUpdate {
			second++
		}
	})

	c.Connect()
	waitConnected(t, c)

	evt, err := api.NewEvent(api.EventPresenceUpdate, api.PresencePayload{UserID: "user-1", Status: "online"})
	require.NoError(t, err)

	srv.PushEvent(evt)
	roundtrip(t, c)
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)

	offFirst()
	srv.PushEvent(evt)
	roundtrip(t, c)
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

// TestMalformedEventDropped tests that unparseable frames are dropped
// without closing the channel
func TestMalformedEventDropped(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := loggedIn(t, srv, fastConfig())
	defer c.Disconnect()

	var got []api.EventType
	c.OnEvent(func(evt api.Event) {
		if evt.Event != api.EventPong {
			got = append(got, evt.Event)
		}
	})

	c.Connect()
	waitConnected(t, c)

	srv.PushRaw([]byte("not json at all"))
	srv.PushRaw([]byte(`{"data": {"x": 1}}`)) // missing event type
	evt, err := api.NewEvent(api.EventChannelCreate, api.Channel{ID: "ch-9", Name: "new"})
	require.NoError(t, err)
	srv.PushEvent(evt)

	roundtrip(t, c)
	assert.Equal(t, []api.EventType{api.EventChannelCreate}, got)
	assert.True(t, c.Connected())
}

// TestSendEventDroppedWhenClosed tests the silent-drop rule for outbound
// events without an open channel
func TestSendEventDroppedWhenClosed(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := loggedIn(t, srv, fastConfig())
	c.SendTyping("ch-1")
	c.SubscribeChannel("ch-1")
	assert.Equal(t, StateDisconnected, c.State())
}

// TestReconnectAfterDrop tests automatic reconnection after a lost
// channel, with the attempt counter reset on success
func TestReconnectAfterDrop(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := loggedIn(t, srv, fastConfig())
	defer c.Disconnect()

	c.Connect()
	waitConnected(t, c)

	srv.DropClients()
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 5*time.Millisecond)
	waitConnected(t, c)
	assert.Equal(t, 0, c.ReconnectAttempts())
}

// TestConnectDuringReconnectWindow tests that an explicit Connect while
// a reconnect timer is pending wins: the stale firing neither takes the
// reopened channel down nor spends attempt budget
func TestConnectDuringReconnectWindow(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	// A long delay leaves room to reconnect by hand before the timer.
	cfg := &Config{
		ReconnectInterval:    300 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HandshakeTimeout:     time.Second,
	}
	c := loggedIn(t, srv, cfg)
	defer c.Disconnect()

	c.Connect()
	waitConnected(t, c)

	srv.DropClients()
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 5*time.Millisecond)

	c.Connect()
	waitConnected(t, c)

	// Let the timer armed by the drop fire against the live channel.
	time.Sleep(2 * cfg.ReconnectInterval)
	assert.True(t, c.Connected())
	assert.Equal(t, 1, srv.ClientCount())
	assert.Equal(t, 0, c.ReconnectAttempts())
}

// TestReconnectBudgetExhausted tests that reconnection stops after the
// attempt budget and leaves the connection offline
func TestReconnectBudgetExhausted(t *testing.T) {
	srv := fakeinstance.New()

	cfg := fastConfig()
	c := loggedIn(t, srv, cfg)

	c.Connect()
	waitConnected(t, c)

	// Kill the server; every dial from now on fails.
	srv.Close()

	require.Eventually(t, func() bool {
		return c.ReconnectAttempts() >= cfg.MaxReconnectAttempts
	}, 2*time.Second, 5*time.Millisecond)

	// The budget is spent; no further attempts are scheduled.
	time.Sleep(5 * cfg.ReconnectInterval)
	assert.Equal(t, cfg.MaxReconnectAttempts, c.ReconnectAttempts())
	assert.Equal(t, StateDisconnected, c.State())
}

// TestDisconnectTerminal tests that an explicit Disconnect cancels
// reconnection until the next explicit Connect
func TestDisconnectTerminal(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := loggedIn(t, srv, fastConfig())

	c.Connect()
	waitConnected(t, c)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, srv.ClientCount())
	assert.False(t, c.Connected())

	// An explicit Connect starts over.
	c.Connect()
	waitConnected(t, c)
	assert.Equal(t, 0, c.ReconnectAttempts())
	c.Disconnect()
}

// TestWSEndpoint tests the http to ws scheme mapping
func TestWSEndpoint(t *testing.T) {
	c := New("http://chat.example.com/", Options{})
	assert.Equal(t, "ws://chat.example.com/api/ws", c.wsEndpoint())

	c = New("https://chat.example.com", Options{})
	assert.Equal(t, "wss://chat.example.com/api/ws", c.wsEndpoint())
}

// TestRESTMessagePagination tests the newest-first cursor paging of the
// message listing
func TestRESTMessagePagination(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	ch := srv.SeedChannel("general")
	c := loggedIn(t, srv, fastConfig())

	const total = api.MessagePageSize + 25
	for i := 0; i < total; i++ {
		srv.PushMessage(ch.ID, "user-1", "msg")
	}

	ctx := context.Background()
	page, err := c.Messages(ctx, ch.ID, "")
	require.NoError(t, err)
	assert.Len(t, page.Data, api.MessagePageSize)
	assert.True(t, page.HasMore)

	oldest := page.Data[len(page.Data)-1]
	rest, err := c.Messages(ctx, ch.ID, oldest.ID)
	require.NoError(t, err)
	assert.Len(t, rest.Data, 25)
	assert.False(t, rest.HasMore)
}

// TestRESTChannelLifecycle tests channel create, update and delete
// against the instance API
func TestRESTChannelLifecycle(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := loggedIn(t, srv, fastConfig())
	ctx := context.Background()

	ch, err := c.CreateChannel(ctx, api.CreateChannelRequest{Name: "general"})
	require.NoError(t, err)
	assert.Equal(t, api.ChannelText, ch.Type)

	// Client-side validation rejects a bad name before any request.
	_, err = c.CreateChannel(ctx, api.CreateChannelRequest{Name: strings.Repeat("x", api.MaxChannelNameLength+1)})
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)

	name := "renamed"
	updated, err := c.UpdateChannel(ctx, ch.ID, api.UpdateChannelRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	channels, err := c.Channels(ctx)
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	require.NoError(t, c.DeleteChannel(ctx, ch.ID))
	channels, err = c.Channels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

// TestRESTMessageValidation tests that empty and oversized content never
// leaves the client
func TestRESTMessageValidation(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := loggedIn(t, srv, fastConfig())
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "ch-1", api.CreateMessageRequest{Content: "   "})
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)

	_, err = c.SendMessage(ctx, "ch-1", api.CreateMessageRequest{Content: strings.Repeat("x", api.MaxMessageLength+1)})
	require.ErrorAs(t, err, &verr)
}

// TestRESTUpload tests the multipart image upload path
func TestRESTUpload(t *testing.T) {
	srv := fakeinstance.New()
	defer srv.Close()

	c := loggedIn(t, srv, fastConfig())
	ctx := context.Background()

	url, err := c.UploadImage(ctx, "avatar.png", "image/png", strings.NewReader("fake png bytes"))
	require.NoError(t, err)
	assert.Contains(t, url, "avatar.png")

	_, err = c.UploadImage(ctx, "doc.pdf", "application/pdf", strings.NewReader("nope"))
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
}
