package api

import "encoding/json"

// EventType identifies a real-time event.
type EventType string

// Connection lifecycle.
const (
	EventPing EventType = "ping"
	EventPong EventType = "pong"
)

// Subscription control, client to server only.
const (
	EventSubscribeChannel   EventType = "subscribe_channel"
	EventUnsubscribeChannel EventType = "unsubscribe_channel"
)

// Message lifecycle.
const (
	EventMessageCreate EventType = "message_create"
	EventMessageUpdate EventType = "message_update"
	EventMessageDelete EventType = "message_delete"
)

// Presence and typing.
const (
	EventTypingStart    EventType = "typing_start"
	EventPresenceUpdate EventType = "presence_update"
)

// Membership and channel lifecycle.
const (
	EventMemberJoin    EventType = "member_join"
	EventMemberLeave   EventType = "member_leave"
	EventChannelCreate EventType = "channel_create"
	EventChannelUpdate EventType = "channel_update"
	EventChannelDelete EventType = "channel_delete"
)

// Reserved real-time-call signaling namespace. Payload shapes are defined
// by the server and treated as opaque here.
const (
	EventRTCJoin         EventType = "rtc:join"
	EventRTCOffer        EventType = "rtc:offer"
	EventRTCAnswer       EventType = "rtc:answer"
	EventRTCICECandidate EventType = "rtc:ice_candidate"
	EventRTCPeerJoined   EventType = "rtc:peer_joined"
	EventRTCPeerLeft     EventType = "rtc:peer_left"
	EventRTCLeave        EventType = "rtc:leave"
)

// Event is the `{event, data}` envelope carried over the real-time
// channel in both directions.
type Event struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event envelope from a typed payload.
func NewEvent(t EventType, payload any) (Event, error) {
	if payload == nil {
		return Event{Event: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Event: t, Data: data}, nil
}

// ChannelRef is the payload of subscription-control and typing events.
type ChannelRef struct {
	ChannelID string `json:"channelId"`
}

// PresencePayload is the payload of presence_update events.
type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// MessageData decodes the payload of a message lifecycle event.
func (e Event) MessageData() (*Message, error) {
	var msg Message
	if err := json.Unmarshal(e.Data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ChannelRefData decodes the payload of a typing or subscription event.
func (e Event) ChannelRefData() (*ChannelRef, error) {
	var ref ChannelRef
	if err := json.Unmarshal(e.Data, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}
