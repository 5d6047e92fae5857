// Package fakeinstance runs an in-process chat instance for tests: the
// auth endpoints with token issuance and rotation, the REST surface the
// connection layer talks to, and the real-time WebSocket endpoint with
// per-client channel subscriptions. Knobs let tests expire access
// tokens, break the refresh endpoint, and push events to connected
// clients.
package fakeinstance

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/opencord/client-go/api"
)

// Server is a fake instance bound to an ephemeral port.
type Server struct {
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	info          api.InstanceInfo
	users         map[string]*api.User // by user id
	byEmail       map[string]string    // email -> user id
	passwords     map[string]string    // user id -> password
	accessTokens  map[string]string    // token -> user id
	refreshTokens map[string]string    // token -> user id
	channels      map[string]*api.Channel
	messages      map[string][]api.Message // channel id -> oldest first
	members       map[string]*api.Member   // by user id
	invites       map[string]*api.Invite   // by code
	seq           int
	failRefresh   bool
	counts        map[string]int
	clients       map[*wsClient]struct{}
	authority     *Server
}

type wsClient struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[string]bool
}

// New starts a fake instance. Close it when done.
func New() *Server {
	s := &Server{
		info: api.InstanceInfo{
			Name:             "Fake Instance",
			Description:      "test instance",
			Version:          "0.0.0-test",
			RegistrationOpen: true,
		},
		users:         make(map[string]*api.User),
		byEmail:       make(map[string]string),
		passwords:     make(map[string]string),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
		channels:      make(map[string]*api.Channel),
		messages:      make(map[string][]api.Message),
		members:       make(map[string]*api.Member),
		invites:       make(map[string]*api.Invite),
		counts:        make(map[string]int),
		clients:       make(map[*wsClient]struct{}),
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	router := httprouter.New()
	router.POST("/api/auth/register", s.handleRegister)
	router.POST("/api/auth/login", s.handleLogin)
	router.POST("/api/auth/refresh", s.handleRefresh)
	router.DELETE("/api/auth/logout", s.handleLogout)
	router.GET("/api/instance", s.handleInstanceInfo)
	router.GET("/api/users/me", s.authed(s.handleMe))
	router.PATCH("/api/users/me", s.authed(s.handleUpdateMe))
	router.GET("/api/channels", s.authed(s.handleListChannels))
	router.POST("/api/channels", s.authed(s.handleCreateChannel))
	router.GET("/api/channels/:id", s.authed(s.handleGetChannel))
	router.PATCH("/api/channels/:id", s.authed(s.handleUpdateChannel))
	router.DELETE("/api/channels/:id", s.authed(s.handleDeleteChannel))
	router.GET("/api/channels/:id/messages", s.authed(s.handleListMessages))
	router.POST("/api/channels/:id/messages", s.authed(s.handleCreateMessage))
	router.PATCH("/api/messages/:id", s.authed(s.handleUpdateMessage))
	router.DELETE("/api/messages/:id", s.authed(s.handleDeleteMessage))
	router.GET("/api/members", s.authed(s.handleListMembers))
	router.PATCH("/api/members/:id", s.authed(s.handleUpdateMember))
	router.DELETE("/api/members/:id", s.authed(s.handleKickMember))
	router.GET("/api/invites", s.authed(s.handleListInvites))
	router.POST("/api/invites", s.authed(s.handleCreateInvite))
	router.POST("/api/invites/:code/join", s.authed(s.handleJoinInvite))
	router.POST("/api/upload", s.authed(s.handleUpload))
	router.GET("/api/ws", s.handleWS)

	s.httpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.counts[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		router.ServeHTTP(w, r)
	}))
	return s
}

// URL returns the instance base URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// Close shuts the server down and drops all connected clients.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*wsClient]struct{})
	s.mu.Unlock()
	s.httpSrv.Close()
}

// === Test knobs ===

// SetAuthServerURL makes the instance advertise a central authority.
func (s *Server) SetAuthServerURL(url string) {
	s.mu.Lock()
	s.info.AuthServerURL = url
	s.mu.Unlock()
}

// SetInfo replaces the advertised instance info.
func (s *Server) SetInfo(info api.InstanceInfo) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

// SeedUser registers an account without going through the register
// endpoint.
func (s *Server) SeedUser(email, username, password string) *api.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(email, username, password)
}

// SeedChannel creates a channel directly.
func (s *Server) SeedChannel(name string) *api.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addChannelLocked(name, api.ChannelText)
}

// IssueTokens mints a valid pair for an existing user, as if they had
// logged in.
func (s *Server) IssueTokens(userID string) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

// ExpireAccessTokens invalidates every outstanding access token while
// leaving refresh tokens valid, so the next authenticated request gets a
// 401 that a refresh can recover from.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.accessTokens = make(map[string]string)
	s.mu.Unlock()
}

// TrustAuthority makes the instance accept access tokens issued by the
// given authority, the way a central-auth instance honors its
// authority's tokens.
func (s *Server) TrustAuthority(a *Server) {
	s.mu.Lock()
	s.authority = a
	s.mu.Unlock()
}

// SetFailRefresh makes the refresh endpoint reject every request.
func (s *Server) SetFailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

// Requests returns how many times a method and path were hit.
func (s *Server) Requests(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method+" "+path]
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// PushEvent broadcasts an event to every connected client.
func (s *Server) PushEvent(evt api.Event) {
	for _, c := range s.clientList() {
		c.write(evt)
	}
}

// PushRaw sends a raw frame to every connected client; used to exercise
// malformed-payload handling.
func (s *Server) PushRaw(data []byte) {
	for _, c := range s.clientList() {
		c.writeRaw(data)
	}
}

// PushMessage files a message in a channel and broadcasts the
// message_create event to clients subscribed to that channel.
func (s *Server) PushMessage(channelID, authorID, content string) api.Message {
	s.mu.Lock()
	msg := s.addMessageLocked(channelID, authorID, content)
	s.mu.Unlock()

	s.broadcastToChannel(channelID, api.EventMessageCreate, msg)
	return msg
}

// DropClients closes every WebSocket client without stopping the server,
// simulating a connection loss.
func (s *Server) DropClients() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*wsClient]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) clientList() []*wsClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

func (s *Server) broadcastToChannel(channelID string, t api.EventType, payload any) {
	evt, err := api.NewEvent(t, payload)
	if err != nil {
		return
	}
	for _, c := range s.clientList() {
		if c.subscribed(channelID) {
			c.write(evt)
		}
	}
}

// === Auth ===

func (s *Server) addUserLocked(email, username, password string) *api.User {
	s.seq++
	user := &api.User{
		ID:          fmt.Sprintf("user-%d", s.seq),
		Email:       email,
		Username:    username,
		DisplayName: username,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	s.users[user.ID] = user
	s.byEmail[email] = user.ID
	s.passwords[user.ID] = password
	s.members[user.ID] = &api.Member{
		ID:          fmt.Sprintf("member-%d", s.seq),
		UserID:      user.ID,
		Username:    username,
		DisplayName: username,
		Role:        api.RoleMember,
		JoinedAt:    user.CreatedAt,
	}
	return user
}

func (s *Server) issueLocked(userID string) (string, string) {
	s.seq++
	access := fmt.Sprintf("acc-%d", s.seq)
	refresh := fmt.Sprintf("ref-%d", s.seq)
	s.accessTokens[access] = userID
	s.refreshTokens[refresh] = userID
	return access, refresh
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	if _, exists := s.byEmail[req.Email]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	user := s.addUserLocked(req.Email, req.Username, req.Password)
	if req.DisplayName != "" {
		user.DisplayName = req.DisplayName
	}
	access, refresh := s.issueLocked(user.ID)
	out := *user
	s.mu.Unlock()

	writeData(w, http.StatusCreated, api.AuthResponse{User: out, AccessToken: access, RefreshToken: refresh})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	userID, ok := s.byEmail[req.Email]
	if !ok || s.passwords[userID] != req.Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	user := *s.users[userID]
	access, refresh := s.issueLocked(userID)
	s.mu.Unlock()

	writeData(w, http.StatusOK, api.AuthResponse{User: user, AccessToken: access, RefreshToken: refresh})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req api.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	if s.failRefresh {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	userID, ok := s.refreshTokens[req.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	// Rotation: the presented token is consumed.
	delete(s.refreshTokens, req.RefreshToken)
	user := *s.users[userID]
	access, refresh := s.issueLocked(userID)
	s.mu.Unlock()

	writeData(w, http.StatusOK, api.AuthResponse{User: user, AccessToken: access, RefreshToken: refresh})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req api.LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	delete(s.refreshTokens, req.RefreshToken)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// authed wraps a handler with bearer-token validation.
func (s *Server) authed(next func(http.ResponseWriter, *http.Request, httprouter.Params, *api.User)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		user := s.tokenUser(bearerToken(r))
		if user == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, ps, user)
	}
}

// tokenUser resolves an access token to a user, falling back to the
// trusted authority's tokens when one is configured.
func (s *Server) tokenUser(token string) *api.User {
	s.mu.Lock()
	var user *api.User
	if userID, ok := s.accessTokens[token]; ok {
		user = s.users[userID]
	}
	authority := s.authority
	s.mu.Unlock()

	if user == nil && authority != nil {
		user = authority.tokenUser(token)
	}
	return user
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// === Instance and users ===

func (s *Server) handleInstanceInfo(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	writeData(w, http.StatusOK, info)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, user *api.User) {
	writeData(w, http.StatusOK, *user)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request, _ httprouter.Params, user *api.User) {
	var req api.UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	if req.DisplayName != "" {
		user.DisplayName = req.DisplayName
	}
	if req.AvatarURL != "" {
		user.AvatarURL = req.AvatarURL
	}
	updated := *user
	s.mu.Unlock()
	writeData(w, http.StatusOK, updated)
}

// === Channels ===

func (s *Server) addChannelLocked(name string, t api.ChannelType) *api.Channel {
	s.seq++
	ch := &api.Channel{
		ID:        fmt.Sprintf("ch-%d", s.seq),
		Name:      name,
		Type:      t,
		Position:  len(s.channels),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	s.channels[ch.ID] = ch
	return ch
}

func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, _ *api.User) {
	s.mu.Lock()
	channels := make([]api.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, *ch)
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, channels)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *api.User) {
	var req api.CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = api.ChannelText
	}
	s.mu.Lock()
	created := *s.addChannelLocked(req.Name, req.Type)
	s.mu.Unlock()
	writeData(w, http.StatusCreated, created)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, _ *api.User) {
	s.mu.Lock()
	ch, ok := s.channels[ps.ByName("id")]
	var out api.Channel
	if ok {
		out = *ch
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ *api.User) {
	var req api.UpdateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	ch, ok := s.channels[ps.ByName("id")]
	var out api.Channel
	if ok {
		if req.Name != nil {
			ch.Name = *req.Name
		}
		if req.Position != nil {
			ch.Position = *req.Position
		}
		out = *ch
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, _ *api.User) {
	id := ps.ByName("id")
	s.mu.Lock()
	_, ok := s.channels[id]
	delete(s.channels, id)
	delete(s.messages, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Messages ===

func (s *Server) addMessageLocked(channelID, authorID, content string) api.Message {
	s.seq++
	msg := api.Message{
		ID:        fmt.Sprintf("msg-%d", s.seq),
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if u, ok := s.users[authorID]; ok {
		msg.Author = &api.MessageAuthor{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName}
	}
	s.messages[channelID] = append(s.messages[channelID], msg)
	return msg
}

// handleListMessages pages newest-first: without a cursor the newest
// page is returned; with before=<id> the page strictly older than that
// message.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ *api.User) {
	channelID := ps.ByName("id")
	before := r.URL.Query().Get("before")

	s.mu.Lock()
	all := s.messages[channelID]
	end := len(all)
	if before != "" {
		for i, m := range all {
			if m.ID == before {
				end = i
				break
			}
		}
	}
	start := end - api.MessagePageSize
	if start < 0 {
		start = 0
	}
	page := make([]api.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, all[i])
	}
	hasMore := start > 0
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, api.MessageListResponse{Data: page, HasMore: hasMore})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params, user *api.User) {
	var req api.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	channelID := ps.ByName("id")

	s.mu.Lock()
	if _, ok := s.channels[channelID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	msg := s.addMessageLocked(channelID, user.ID, req.Content)
	if req.ImageURL != "" {
		msg.ImageURL = req.ImageURL
		all := s.messages[channelID]
		all[len(all)-1].ImageURL = req.ImageURL
	}
	s.mu.Unlock()

	s.broadcastToChannel(channelID, api.EventMessageCreate, msg)
	writeData(w, http.StatusCreated, msg)
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ *api.User) {
	var req api.UpdateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := ps.ByName("id")

	s.mu.Lock()
	var updated *api.Message
	for _, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				msgs[i].Content = req.Content
				msgs[i].UpdatedAt = time.Now().UTC().Format(time.RFC3339)
				m := msgs[i]
				updated = &m
				break
			}
		}
		if updated != nil {
			break
		}
	}
	s.mu.Unlock()

	if updated == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	s.broadcastToChannel(updated.ChannelID, api.EventMessageUpdate, *updated)
	writeData(w, http.StatusOK, *updated)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, _ *api.User) {
	id := ps.ByName("id")

	s.mu.Lock()
	var deleted *api.Message
	for channelID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				m := msgs[i]
				deleted = &m
				s.messages[channelID] = append(msgs[:i], msgs[i+1:]...)
				break
			}
		}
		if deleted != nil {
			break
		}
	}
	s.mu.Unlock()

	if deleted == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	s.broadcastToChannel(deleted.ChannelID, api.EventMessageDelete, *deleted)
	w.WriteHeader(http.StatusNoContent)
}

// === Members and invites ===

func (s *Server) handleListMembers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, _ *api.User) {
	s.mu.Lock()
	members := make([]api.Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, *m)
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, members)
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ *api.User) {
	var req api.UpdateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	member, ok := s.members[ps.ByName("id")]
	var out api.Member
	if ok {
		member.Role = req.Role
		out = *member
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleKickMember(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, _ *api.User) {
	id := ps.ByName("id")
	s.mu.Lock()
	_, ok := s.members[id]
	delete(s.members, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListInvites(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, _ *api.User) {
	s.mu.Lock()
	invites := make([]api.Invite, 0, len(s.invites))
	for _, inv := range s.invites {
		invites = append(invites, *inv)
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, invites)
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request, _ httprouter.Params, user *api.User) {
	var req api.CreateInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	s.seq++
	now := time.Now().UTC()
	inv := &api.Invite{
		ID:        fmt.Sprintf("invite-%d", s.seq),
		Code:      fmt.Sprintf("inv-%d", s.seq),
		CreatedBy: user.ID,
		CreatedAt: now.Format(time.RFC3339),
	}
	if req.ExpiresInHours > 0 {
		inv.ExpiresAt = now.Add(time.Duration(req.ExpiresInHours) * time.Hour).Format(time.RFC3339)
	}
	s.invites[inv.Code] = inv
	created := *inv
	s.mu.Unlock()

	writeData(w, http.StatusCreated, created)
}

func (s *Server) handleJoinInvite(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, user *api.User) {
	s.mu.Lock()
	_, ok := s.invites[ps.ByName("code")]
	var member api.Member
	if ok {
		s.seq++
		member = api.Member{
			ID:          fmt.Sprintf("member-%d", s.seq),
			UserID:      user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			Role:        api.RoleMember,
			JoinedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		s.members[user.ID] = &member
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "invalid invite")
		return
	}
	writeData(w, http.StatusOK, member)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *api.User) {
	if err := r.ParseMultipartForm(api.MaxImageSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload")
		return
	}
	_, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	s.mu.Lock()
	s.seq++
	url := fmt.Sprintf("/uploads/%d-%s", s.seq, header.Filename)
	s.mu.Unlock()
	writeData(w, http.StatusCreated, api.UploadResponse{URL: url})
}

// === WebSocket ===

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.tokenUser(r.URL.Query().Get("token")) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, subs: make(map[string]bool)}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	go s.readClient(client)
}

func (s *Server) readClient(client *wsClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		var evt api.Event
		if err := client.conn.ReadJSON(&evt); err != nil {
			return
		}
		switch evt.Event {
		case api.EventPing:
			client.write(api.Event{Event: api.EventPong})
		case api.EventSubscribeChannel:
			if ref, err := evt.ChannelRefData(); err == nil {
				client.subscribe(ref.ChannelID, true)
			}
		case api.EventUnsubscribeChannel:
			if ref, err := evt.ChannelRefData(); err == nil {
				client.subscribe(ref.ChannelID, false)
			}
		case api.EventTypingStart:
			// Relayed to the channel's other subscribers.
			if ref, err := evt.ChannelRefData(); err == nil {
				s.relayTyping(client, ref.ChannelID, evt)
			}
		}
	}
}

func (s *Server) relayTyping(from *wsClient, channelID string, evt api.Event) {
	for _, c := range s.clientList() {
		if c != from && c.subscribed(channelID) {
			c.write(evt)
		}
	}
}

func (c *wsClient) subscribe(channelID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[channelID] = true
	} else {
		delete(c.subs, channelID)
	}
}

func (c *wsClient) subscribed(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[channelID]
}

func (c *wsClient) write(evt api.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteJSON(evt)
}

func (c *wsClient) writeRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

// === Response helpers ===

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, v interface{}) {
	writeJSON(w, status, map[string]interface{}{"data": v})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorBody{Error: msg})
}
