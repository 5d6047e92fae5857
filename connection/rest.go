package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/transport"
)

// === Local auth (instances without a central authority) ===

// Register creates an account on the instance and adopts the returned
// token pair.
func (c *Connection) Register(ctx context.Context, req api.RegisterRequest) (*api.AuthResponse, error) {
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

// Login authenticates against the instance and adopts the returned pair.
func (c *Connection) Login(ctx context.Context, req api.LoginRequest) (*api.AuthResponse, error) {
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

// Refresh exchanges the held refresh token against the instance's own
// refresh endpoint.
func (c *Connection) Refresh(ctx context.Context) (*api.AuthResponse, error) {
	return c.http.Refresh(ctx)
}

// Logout revokes the held refresh token on the instance and clears the
// local pair. No-op when no refresh token is held.
func (c *Connection) Logout(ctx context.Context) error {
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

// === Instance ===

// InstanceInfo probes the unauthenticated instance info endpoint.
func (c *Connection) InstanceInfo(ctx context.Context) (*api.InstanceInfo, error) {
	raw, err := c.http.Do(ctx, http.MethodGet, "/api/instance", transport.ReqOptions{NoAuth: true})
	if err != nil {
		return nil, err
	}
	info, err := api.Decode[api.InstanceInfo](raw)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// === User ===

// Me fetches the current user's profile from the instance.
func (c *Connection) Me(ctx context.Context) (*api.User, error) {
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

// === Channels ===

// CreateChannel creates a chat channel.
func (c *Connection) CreateChannel(ctx context.Context, req api.CreateChannelRequest) (*api.Channel, error) {
	if err := api.ValidateChannelName(req.Name); err != nil {
		return nil, err
	}
	raw, err := c.http.Do(ctx, http.MethodPost, "/api/channels", transport.ReqOptions{Body: req})
	if err != nil {
		return nil, err
	}
	ch, err := api.Decode[api.Channel](raw)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// Channels lists the instance's channels.
func (c *Connection) Channels(ctx context.Context) ([]api.Channel, error) {
	raw, err := c.http.Do(ctx, http.MethodGet, "/api/channels", transport.ReqOptions{})
	if err != nil {
		return nil, err
	}
	return api.Decode[[]api.Channel](raw)
}

// Channel fetches one channel.
func (c *Connection) Channel(ctx context.Context, id string) (*api.Channel, error) {
	raw, err := c.http.Do(ctx, http.MethodGet, "/api/channels/"+id, transport.ReqOptions{})
	if err != nil {
		return nil, err
	}
	ch, err := api.Decode[api.Channel](raw)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpdateChannel patches a channel.
func (c *Connection) UpdateChannel(ctx context.Context, id string, req api.UpdateChannelRequest) (*api.Channel, error) {
	raw, err := c.http.Do(ctx, http.MethodPatch, "/api/channels/"+id, transport.ReqOptions{Body: req})
	if err != nil {
		return nil, err
	}
	ch, err := api.Decode[api.Channel](raw)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// DeleteChannel deletes a channel.
func (c *Connection) DeleteChannel(ctx context.Context, id string) error {
	_, err := c.http.Do(ctx, http.MethodDelete, "/api/channels/"+id, transport.ReqOptions{})
	return err
}

// === Messages ===

// Messages fetches one page of a channel's messages, newest first. A
// non-empty before cursor pages further back; HasMore reports whether
// older messages remain.
func (c *Connection) Messages(ctx context.Context, channelID, before string) (*api.MessageListResponse, error) {
	opts := transport.ReqOptions{}
	if before != "" {
		opts.Query = url.Values{"before": []string{before}}
	}
	raw, err := c.http.Do(ctx, http.MethodGet, "/api/channels/"+channelID+"/messages", opts)
	if err != nil {
		return nil, err
	}
	var page api.MessageListResponse
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("failed to parse message page: %w", err)
	}
	return &page, nil
}

// SendMessage posts a message to a channel.
func (c *Connection) SendMessage(ctx context.Context, channelID string, req api.CreateMessageRequest) (*api.Message, error) {
	if err := api.ValidateMessage(req.Content); err != nil {
		return nil, err
	}
	raw, err := c.http.Do(ctx, http.MethodPost, "/api/channels/"+channelID+"/messages", transport.ReqOptions{Body: req})
	if err != nil {
		return nil, err
	}
	msg, err := api.Decode[api.Message](raw)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage edits a message.
func (c *Connection) UpdateMessage(ctx context.Context, id string, req api.UpdateMessageRequest) (*api.Message, error) {
	if err := api.ValidateMessage(req.Content); err != nil {
		return nil, err
	}
	raw, err := c.http.Do(ctx, http.MethodPatch, "/api/messages/"+id, transport.ReqOptions{Body: req})
	if err != nil {
		return nil, err
	}
	msg, err := api.Decode[api.Message](raw)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage deletes a message.
func (c *Connection) DeleteMessage(ctx context.Context, id string) error {
	_, err := c.http.Do(ctx, http.MethodDelete, "/api/messages/"+id, transport.ReqOptions{})
	return err
}

// === Members ===

// Members lists the instance's members.
func (c *Connection) Members(ctx context.Context) ([]api.Member, error) {
	raw, err := c.http.Do(ctx, http.MethodGet, "/api/members", transport.ReqOptions{})
	if err != nil {
		return nil, err
	}
	return api.Decode[[]api.Member](raw)
}

// UpdateMemberRole changes a member's role.
func (c *Connection) UpdateMemberRole(ctx context.Context, userID string, req api.UpdateMemberRequest) (*api.Member, error) {
	raw, err := c.http.Do(ctx, http.MethodPatch, "/api/members/"+userID, transport.ReqOptions{Body: req})
	if err != nil {
		return nil, err
	}
	member, err := api.Decode[api.Member](raw)
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// KickMember removes a member from the instance.
func (c *Connection) KickMember(ctx context.Context, userID string) error {
	_, err := c.http.Do(ctx, http.MethodDelete, "/api/members/"+userID, transport.ReqOptions{})
	return err
}

// === Invites ===

// CreateInvite creates an invite code.
func (c *Connection) CreateInvite(ctx context.Context, req api.CreateInviteRequest) (*api.Invite, error) {
	raw, err := c.http.Do(ctx, http.MethodPost, "/api/invites", transport.ReqOptions{Body: req})
	if err != nil {
		return nil, err
	}
	invite, err := api.Decode[api.Invite](raw)
	if err != nil {
		return nil, err
	}
	return &invite, nil
}

// Invites lists the instance's invites.
func (c *Connection) Invites(ctx context.Context) ([]api.Invite, error) {
	raw, err := c.http.Do(ctx, http.MethodGet, "/api/invites", transport.ReqOptions{})
	if err != nil {
		return nil, err
	}
	return api.Decode[[]api.Invite](raw)
}

// JoinWithInvite joins the instance using an invite code.
func (c *Connection) JoinWithInvite(ctx context.Context, code string) (*api.Member, error) {
	raw, err := c.http.Do(ctx, http.MethodPost, "/api/invites/"+code+"/join", transport.ReqOptions{})
	if err != nil {
		return nil, err
	}
	member, err := api.Decode[api.Member](raw)
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// === Upload ===

// UploadImage uploads an image as multipart form data and returns the
// stored object's URL. Content type and size are validated client-side
// against the fixed limits. A bearer header is attached when a token is
// present; the upload is issued once, without the 401 recovery path.
func (c *Connection) UploadImage(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := api.ValidateImageUpload(contentType, int64(len(payload))); err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/upload", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token := c.http.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &transport.NetworkError{URL: c.url + "/api/upload", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &transport.NetworkError{URL: c.url + "/api/upload", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := "upload failed"
		var eb api.ErrorBody
		if jerr := json.Unmarshal(data, &eb); jerr == nil && eb.Error != "" {
			msg = eb.Error
		}
		return "", &transport.HTTPError{Status: resp.StatusCode, Message: msg}
	}

	uploaded, err := api.Decode[api.UploadResponse](data)
	if err != nil {
		return "", err
	}
	return uploaded.URL, nil
}
