package api

import (
	"encoding/json"
	"strings"
)

// User is an account, either on a central authority or on a local-auth
// instance.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// AuthResponse is returned by register, login and refresh.
type AuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

// LoginRequest authenticates an existing account.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest exchanges a refresh token for a new token pair.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// LogoutRequest revokes a refresh token.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// UpdateUserRequest patches the current user's profile.
type UpdateUserRequest struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ChannelType is the kind of a chat channel.
type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
)

// Channel is a named conversation stream within an instance.
type Channel struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      ChannelType `json:"type"`
	Position  int         `json:"position"`
	CreatedAt string      `json:"createdAt"`
}

// CreateChannelRequest creates a channel.
type CreateChannelRequest struct {
	Name string      `json:"name"`
	Type ChannelType `json:"type"`
}

// UpdateChannelRequest patches a channel. Nil fields are left unchanged.
type UpdateChannelRequest struct {
	Name     *string `json:"name,omitempty"`
	Position *int    `json:"position,omitempty"`
}

// MessageAuthor is the denormalized author attached to a message.
type MessageAuthor struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is a chat message within a channel.
type Message struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channelId"`
	AuthorID  string         `json:"authorId"`
	Content   string         `json:"content"`
	ImageURL  string         `json:"imageUrl,omitempty"`
	CreatedAt string         `json:"createdAt"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
	Author    *MessageAuthor `json:"author,omitempty"`
}

// CreateMessageRequest posts a new message.
type CreateMessageRequest struct {
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// UpdateMessageRequest edits a message.
type UpdateMessageRequest struct {
	Content string `json:"content"`
}

// MessageListResponse is one page of a cursor-paginated, newest-first
// message listing.
type MessageListResponse struct {
	Data    []Message `json:"data"`
	HasMore bool      `json:"hasMore"`
}

// MemberRole is a member's role within an instance.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// Member is a user's membership in an instance.
type Member struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	Role        MemberRole `json:"role"`
	JoinedAt    string     `json:"joinedAt"`
}

// UpdateMemberRequest changes a member's role.
type UpdateMemberRequest struct {
	Role MemberRole `json:"role"`
}

// Invite is a join code for an instance.
type Invite struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	CreatedBy string `json:"createdBy"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// CreateInviteRequest creates an invite, optionally expiring.
type CreateInviteRequest struct {
	ExpiresInHours int `json:"expiresInHours,omitempty"`
}

// InstanceInfo is the unauthenticated info probe result. A non-empty
// AuthServerURL marks the instance as central-auth.
type InstanceInfo struct {
	Name             string `json:"name"`
	IconURL          string `json:"iconUrl,omitempty"`
	Description      string `json:"description,omitempty"`
	Version          string `json:"version"`
	RegistrationOpen bool   `json:"registrationOpen"`
	AuthServerURL    string `json:"authServerUrl,omitempty"`
}

// UploadResponse is the result of an image upload.
type UploadResponse struct {
	URL string `json:"url"`
}

// Response is the `{data: T}` success envelope used by every instance
// endpoint except the message listing.
type Response[T any] struct {
	Data T `json:"data"`
}

// ErrorBody is the `{error: string}` failure envelope.
type ErrorBody struct {
	Error string `json:"error"`
}

// Decode unwraps a `{data: T}` envelope from a raw response body.
func Decode[T any](raw json.RawMessage) (T, error) {
	var env Response[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		var zero T
		return zero, err
	}
	return env.Data, nil
}

// NormalizeURL strips a single trailing slash so that URL variants map to
// the same instance key.
func NormalizeURL(raw string) string {
	return strings.TrimSuffix(raw, "/")
}
