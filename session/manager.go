package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/authclient"
	"github.com/opencord/client-go/connection"
	"github.com/opencord/client-go/logger"
	"github.com/opencord/client-go/registry"
	"github.com/opencord/client-go/transport"
)

// ErrUnknownInstance is returned for operations on an unregistered URL.
var ErrUnknownInstance = errors.New("unknown instance")

// ErrNoCentralSession is returned when a central-auth operation needs a
// central session that does not exist.
var ErrNoCentralSession = errors.New("no central auth session")

// Options configures a Manager.
type Options struct {
	// Store is the durable backing. Nil keeps all state in memory.
	Store Store
	// Registry tracks live connections. A private one is created when
	// nil.
	Registry *registry.Registry
	// HTTPClient is injected into every transport; tests use it to fake
	// the network.
	HTTPClient transport.Doer
	// ConnConfig overrides the per-connection real-time defaults.
	ConnConfig *connection.Config
}

// Manager is the process-wide session state owner, constructed once at
// process start. All mutation publishes a fresh immutable snapshot.
type Manager struct {
	store   Store
	reg     *registry.Registry
	httpc   transport.Doer
	connCfg *connection.Config

	mu        sync.Mutex
	central   CentralAuth
	auth      *authclient.Client
	instances map[string]*instanceSession
	activeURL string

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// New creates a manager, rehydrating session records from the store.
// Rehydrated records carry no live connection; connections are lazily
// recreated by EnsureConnections.
func New(opts Options) (*Manager, error) {
	reg := opts.Registry
	if reg == nil {
		var err error
		reg, err = registry.New(registry.Options{})
		if err != nil {
			return nil, err
		}
	}

	m := &Manager{
		store:     opts.Store,
		reg:       reg,
		httpc:     opts.HTTPClient,
		connCfg:   opts.ConnConfig,
		instances: make(map[string]*instanceSession),
		subs:      make(map[int]func(Snapshot)),
	}

	if m.store != nil {
		central, stored, err := m.store.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load session state: %w", err)
		}
		if central != nil {
			m.central = *central
			m.auth = m.newAuthClient(central.AuthorityURL, central.AccessToken, central.RefreshToken)
		}
		for _, inst := range stored {
			m.instances[inst.URL] = &instanceSession{
				url:          inst.URL,
				info:         inst.Info,
				source:       inst.Source,
				accessToken:  inst.AccessToken,
				refreshToken: inst.RefreshToken,
				user:         inst.User,
			}
			if m.activeURL == "" {
				m.activeURL = inst.URL
			}
		}
	}
	return m, nil
}

// Registry exposes the underlying connection registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Close disconnects everything and closes the store.
func (m *Manager) Close() error {
	m.reg.DisconnectAll()
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// === Observers ===

// Subscribe registers an observer invoked with a fresh snapshot after
// every mutation. The returned function unsubscribes it.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Snapshot returns an immutable copy of the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Central:   m.central,
		Instances: make(map[string]InstanceRecord, len(m.instances)),
		ActiveURL: m.activeURL,
	}
	for url, is := range m.instances {
		snap.Instances[url] = is.record()
	}
	return snap
}

func (m *Manager) publish() {
	snap := m.Snapshot()

	m.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// === Central auth session ===

func (m *Manager) newAuthClient(authorityURL, accessToken, refreshToken string) *authclient.Client {
	return authclient.New(authorityURL, authclient.Options{
		AccessToken:       accessToken,
		RefreshToken:      refreshToken,
		OnTokensRefreshed: m.onCentralTokens,
		HTTPClient:        m.httpc,
	})
}

// onCentralTokens reacts to every successful central refresh: it
// persists the new pair and distributes the access token to every
// central-auth connection, so their next request uses it without being
// re-added.
func (m *Manager) onCentralTokens(accessToken, refreshToken string) {
	m.mu.Lock()
	m.central.AccessToken = accessToken
	m.central.RefreshToken = refreshToken
	central := m.central
	conns := make([]*connection.Connection, 0)
	for _, is := range m.instances {
		if is.source == SourceCentral && is.conn != nil {
			conns = append(conns, is.conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.SetAccessToken(accessToken)
	}
	m.persistCentral(central)
	m.publish()
}

// LoginCentral authenticates against a central authority and installs
// the shared session.
func (m *Manager) LoginCentral(ctx context.Context, authorityURL string, req api.LoginRequest) (*api.AuthResponse, error) {
	if err := api.ValidateInstanceURL(authorityURL); err != nil {
		return nil, err
	}
	auth := m.newAuthClient(authorityURL, "", "")
	res, err := auth.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	m.installCentral(auth, res)
	return res, nil
}

// RegisterCentral creates an account on a central authority and installs
// the shared session.
func (m *Manager) RegisterCentral(ctx context.Context, authorityURL string, req api.RegisterRequest) (*api.AuthResponse, error) {
	if err := api.ValidateInstanceURL(authorityURL); err != nil {
		return nil, err
	}
	auth := m.newAuthClient(authorityURL, "", "")
	res, err := auth.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	m.installCentral(auth, res)
	return res, nil
}

func (m *Manager) installCentral(auth *authclient.Client, res *api.AuthResponse) {
	user := res.User

	m.mu.Lock()
	m.auth = auth
	m.central = CentralAuth{
		AuthorityURL: auth.AuthorityURL(),
		User:         &user,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
	}
	central := m.central
	conns := make([]*connection.Connection, 0)
	for _, is := range m.instances {
		if is.source == SourceCentral && is.conn != nil {
			conns = append(conns, is.conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.SetAccessToken(res.AccessToken)
	}
	m.persistCentral(central)
	m.publish()
}

// LogoutCentral revokes the central session and tears down every
// central-auth connection; the instances stay known but offline.
func (m *Manager) LogoutCentral(ctx context.Context) error {
	m.mu.Lock()
	auth := m.auth
	m.mu.Unlock()
	if auth == nil {
		return nil
	}
	if err := auth.Logout(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.auth = nil
	m.central = CentralAuth{}
	var urls []string
	for url, is := range m.instances {
		if is.source == SourceCentral && is.conn != nil {
			is.conn = nil
			urls = append(urls, url)
		}
	}
	m.mu.Unlock()

	for _, url := range urls {
		m.reg.DropConnection(url)
	}
	if m.store != nil {
		if err := m.store.ClearCentral(); err != nil {
			logger.Warn("session: failed to clear central session: %v", err)
		}
	}
	m.publish()
	return nil
}

// Central returns the current central auth session.
func (m *Manager) Central() CentralAuth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.central
}

// centralAuthFailure is the recovery path injected into central-auth
// instance transports: refresh against the authority, not the instance.
func (m *Manager) centralAuthFailure(ctx context.Context) (string, error) {
	m.mu.Lock()
	auth := m.auth
	m.mu.Unlock()
	if auth == nil {
		return "", ErrNoCentralSession
	}
	res, err := auth.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return res.AccessToken, nil
}

func (m *Manager) persistCentral(central CentralAuth) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveCentral(central); err != nil {
		logger.Warn("session: failed to persist central session: %v", err)
	}
}

// === Instance session table ===

// AddInstance probes an instance by URL and files a session record for
// it. The credential source is central when the probe advertises an
// authority URL, local otherwise. No connection is opened yet.
func (m *Manager) AddInstance(ctx context.Context, rawURL string) (InstanceRecord, error) {
	if err := api.ValidateInstanceURL(rawURL); err != nil {
		return InstanceRecord{}, err
	}
	url := api.NormalizeURL(rawURL)

	probe := connection.New(url, connection.Options{HTTPClient: m.httpc, Config: m.connCfg})
	info, err := probe.InstanceInfo(ctx)
	if err != nil {
		return InstanceRecord{}, fmt.Errorf("instance probe failed: %w", err)
	}

	source := SourceLocal
	if info.AuthServerURL != "" {
		source = SourceCentral
	}

	m.mu.Lock()
	is, ok := m.instances[url]
	if !ok {
		is = &instanceSession{url: url}
		instances := copyInstances(m.instances)
		instances[url] = is
		m.instances = instances
	}
	// A re-probe that resolves a different source replaces the
	// connection, never mutates it: the old transport carries the wrong
	// recovery path and, when going central, a now-invalid local pair.
	sourceChanged := ok && is.source != source
	if sourceChanged {
		if source == SourceCentral {
			is.accessToken = ""
			is.refreshToken = ""
		}
		is.conn = nil
	}
	is.info = info
	is.source = source
	if m.activeURL == "" {
		m.activeURL = url
	}
	rec := is.record()
	stored := is.stored()
	m.mu.Unlock()

	if sourceChanged {
		m.reg.DropConnection(url)
	}
	m.reg.SetMeta(url, info.Name, info.IconURL)
	m.persistInstance(stored)
	m.publish()
	return rec, nil
}

// RemoveInstance forgets an instance and closes its real-time channel.
func (m *Manager) RemoveInstance(url string) {
	url = api.NormalizeURL(url)

	m.mu.Lock()
	_, ok := m.instances[url]
	if ok {
		instances := copyInstances(m.instances)
		delete(instances, url)
		m.instances = instances
	}
	if m.activeURL == url {
		m.activeURL = ""
		for u := range m.instances {
			m.activeURL = u
			break
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.reg.RemoveConnection(url)
	if m.store != nil {
		if err := m.store.DeleteInstance(url); err != nil {
			logger.Warn("session: failed to delete instance session: %v", err)
		}
	}
	m.publish()
}

// SetActiveInstance selects the active instance. The selection is a
// user-level choice independent of connectivity; other instances'
// connections stay live in the background.
func (m *Manager) SetActiveInstance(url string) error {
	url = api.NormalizeURL(url)
	m.mu.Lock()
	_, ok := m.instances[url]
	if ok {
		m.activeURL = url
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownInstance
	}
	m.publish()
	return nil
}

// ActiveURL returns the active instance's URL, or empty.
func (m *Manager) ActiveURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeURL
}

// ActiveConnection returns the active instance's live connection, or
// nil.
func (m *Manager) ActiveConnection() *connection.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if is, ok := m.instances[m.activeURL]; ok {
		return is.conn
	}
	return nil
}

// Connection returns an instance's live connection, or nil.
func (m *Manager) Connection(url string) *connection.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if is, ok := m.instances[api.NormalizeURL(url)]; ok {
		return is.conn
	}
	return nil
}

// === Local auth ===

// LoginLocal authenticates against a local-auth instance and records the
// issued pair.
func (m *Manager) LoginLocal(ctx context.Context, url string, req api.LoginRequest) (*api.AuthResponse, error) {
	conn, err := m.ensureConnection(api.NormalizeURL(url))
	if err != nil {
		return nil, err
	}
	res, err := conn.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	m.adoptLocalAuth(conn.URL(), res)
	return res, nil
}

// RegisterLocal creates an account on a local-auth instance and records
// the issued pair.
func (m *Manager) RegisterLocal(ctx context.Context, url string, req api.RegisterRequest) (*api.AuthResponse, error) {
	conn, err := m.ensureConnection(api.NormalizeURL(url))
	if err != nil {
		return nil, err
	}
	res, err := conn.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	m.adoptLocalAuth(conn.URL(), res)
	return res, nil
}

func (m *Manager) adoptLocalAuth(url string, res *api.AuthResponse) {
	user := res.User

	m.mu.Lock()
	is, ok := m.instances[url]
	if ok {
		is.accessToken = res.AccessToken
		is.refreshToken = res.RefreshToken
		is.user = &user
	}
	var stored StoredInstance
	if ok {
		stored = is.stored()
	}
	m.mu.Unlock()

	if ok {
		m.persistInstance(stored)
		m.publish()
	}
}

// onLocalTokens reacts to an instance transport's successful refresh by
// writing the new pair through to the durable record.
func (m *Manager) onLocalTokens(url, accessToken, refreshToken string) {
	m.mu.Lock()
	is, ok := m.instances[url]
	if ok {
		is.accessToken = accessToken
		is.refreshToken = refreshToken
	}
	var stored StoredInstance
	if ok {
		stored = is.stored()
	}
	m.mu.Unlock()

	if ok {
		m.persistInstance(stored)
		m.publish()
	}
}

// JoinInstance joins an instance using an invite code. For central-auth
// instances this is the entire add flow; no local credential form is
// involved.
func (m *Manager) JoinInstance(ctx context.Context, url, inviteCode string) (*api.Member, error) {
	conn, err := m.ensureConnection(api.NormalizeURL(url))
	if err != nil {
		return nil, err
	}
	return conn.JoinWithInvite(ctx, inviteCode)
}

// === Credential resolution ===

// credentialAvailableLocked reports whether an instance has a usable
// credential source right now.
func (m *Manager) credentialAvailableLocked(is *instanceSession) bool {
	switch is.source {
	case SourceCentral:
		if m.central.AccessToken == "" || is.info == nil {
			return false
		}
		return api.NormalizeURL(is.info.AuthServerURL) == m.central.AuthorityURL
	default:
		return is.accessToken != ""
	}
}

// EnsureConnections materializes a connection for every instance that
// has an available credential source but no live connection, and opens
// its real-time channel. One instance's failure never affects another.
func (m *Manager) EnsureConnections() {
	m.mu.Lock()
	var pending []*instanceSession
	for _, is := range m.instances {
		if is.conn == nil && m.credentialAvailableLocked(is) {
			pending = append(pending, is)
		}
	}
	m.mu.Unlock()

	for _, is := range pending {
		conn := m.materialize(is)
		conn.Connect()
	}
	if len(pending) > 0 {
		m.publish()
	}
}

// ensureConnection returns an instance's live connection, materializing
// one (without credentials, if none are available yet) when missing.
func (m *Manager) ensureConnection(url string) (*connection.Connection, error) {
	m.mu.Lock()
	is, ok := m.instances[url]
	if ok && is.conn != nil {
		conn := is.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrUnknownInstance
	}
	return m.materialize(is), nil
}

// materialize builds the transport configuration for an instance's
// resolved credential source and registers the connection. The source is
// resolved once here; the connection is discarded and recreated rather
// than mutated across source changes.
func (m *Manager) materialize(is *instanceSession) *connection.Connection {
	opts := connection.Options{
		HTTPClient: m.httpc,
		Config:     m.connCfg,
	}

	m.mu.Lock()
	source := is.source
	switch source {
	case SourceCentral:
		opts.AccessToken = m.central.AccessToken
		opts.OnAuthFailure = m.centralAuthFailure
	default:
		url := is.url
		opts.AccessToken = is.accessToken
		opts.RefreshToken = is.refreshToken
		opts.OnTokensRefreshed = func(accessToken, refreshToken string) {
			m.onLocalTokens(url, accessToken, refreshToken)
		}
	}
	m.mu.Unlock()

	conn := m.reg.AddConnection(is.url, opts)

	m.mu.Lock()
	is.conn = conn
	m.mu.Unlock()
	return conn
}

// SwitchCredentialSource changes an instance's credential source and
// replaces its connection entirely; the old real-time channel is closed
// exactly once. The new connection is materialized lazily by
// EnsureConnections.
func (m *Manager) SwitchCredentialSource(url string, source CredentialSource) error {
	url = api.NormalizeURL(url)

	m.mu.Lock()
	is, ok := m.instances[url]
	if ok {
		is.source = source
		if source == SourceCentral {
			is.accessToken = ""
			is.refreshToken = ""
		}
		is.conn = nil
	}
	var stored StoredInstance
	if ok {
		stored = is.stored()
	}
	m.mu.Unlock()

	if !ok {
		return ErrUnknownInstance
	}
	m.reg.DropConnection(url)
	m.persistInstance(stored)
	m.publish()
	return nil
}

// ConnectAll ensures connections exist and opens every real-time
// channel; used on app foregrounding.
func (m *Manager) ConnectAll() {
	m.EnsureConnections()
	m.reg.ConnectAll()
}

// DisconnectAll closes every real-time channel; used on app
// backgrounding and logout.
func (m *Manager) DisconnectAll() {
	m.reg.DisconnectAll()
}

func (m *Manager) persistInstance(stored StoredInstance) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertInstance(stored); err != nil {
		logger.Warn("session: failed to persist instance session: %v", err)
	}
}

func copyInstances(in map[string]*instanceSession) map[string]*instanceSession {
	out := make(map[string]*instanceSession, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
