// Package connection maintains one client connection to a single chat
// instance: an authenticated HTTP transport plus at most one real-time
// WebSocket channel.
//
// # Architecture
//
//   - Connection: typed request surface for channels, messages, members,
//     invites and uploads, sharing one transport.Client
//   - Real-time channel: connect/disconnect lifecycle with automatic,
//     bounded reconnection
//   - Subscriber set: callbacks registered with OnEvent receive every
//     inbound event in receive order
//
// # Real-time lifecycle
//
// Connect is a no-op without an access token or while a channel is
// already open. On any close or error the connection transitions to
// Disconnected and schedules a reconnect with a fixed delay, up to a
// bounded attempt count. Exhausting the budget leaves the connection
// silently offline; only Connected() changes, no error is surfaced.
// Disconnect is terminal: it clears the reconnect budget and cancels
// pending attempts, but lets an in-flight dial settle on its own.
//
// Outbound events are sent only while the socket is open and are
// silently dropped otherwise. Malformed inbound payloads are dropped
// without closing the channel.
//
// # Basic usage
//
//	conn := connection.New("https://chat.example.org", connection.Options{})
//	auth, err := conn.Login(ctx, api.LoginRequest{Email: email, Password: password})
//	if err != nil {
//	    return err
//	}
//	off := conn.OnEvent(func(evt api.Event) {
//	    if evt.Event == api.EventMessageCreate {
//	        msg, _ := evt.MessageData()
//	        fmt.Println(msg.Content)
//	    }
//	})
//	defer off()
//	conn.Connect()
//	conn.SubscribeChannel(channelID)
package connection
