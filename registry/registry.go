// Package registry tracks at most one live connection per normalized
// instance URL and persists the minimal non-secret metadata needed to
// re-probe instances after a restart.
package registry

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/connection"
	"github.com/opencord/client-go/logger"
)

// Options configures a Registry.
type Options struct {
	// Store persists instance metadata. Nil disables persistence.
	Store *Store
}

// Registry is the keyed collection of per-instance connections. All
// mutation is copy-and-replace under a mutex; readers get snapshots.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*connection.Connection
	metas map[string]InstanceMeta
	store *Store

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// New creates a registry, loading any persisted metadata.
func New(opts Options) (*Registry, error) {
	r := &Registry{
		conns: make(map[string]*connection.Connection),
		metas: make(map[string]InstanceMeta),
		store: opts.Store,
	}
	if r.store != nil {
		metas, err := r.store.Load()
		if err != nil {
			return nil, err
		}
		for _, m := range metas {
			r.metas[api.NormalizeURL(m.URL)] = m
		}
	}
	return r, nil
}

// AddConnection registers a connection for the given URL, creating it if
// needed. URLs differing only by a trailing slash map to the same
// connection; a second call for a registered URL returns the existing
// connection unchanged.
func (r *Registry) AddConnection(url string, opts connection.Options) *connection.Connection {
	normalized := api.NormalizeURL(url)

	r.mu.Lock()
	if existing, ok := r.conns[normalized]; ok {
		r.mu.Unlock()
		return existing
	}

	conn := connection.New(normalized, opts)

	conns := make(map[string]*connection.Connection, len(r.conns)+1)
	for k, v := range r.conns {
		conns[k] = v
	}
	conns[normalized] = conn
	r.conns = conns

	if _, ok := r.metas[normalized]; !ok {
		metas := copyMetas(r.metas)
		metas[normalized] = InstanceMeta{URL: normalized}
		r.metas = metas
	}
	r.mu.Unlock()

	r.persist()
	return conn
}

// Connection returns the registered connection for a URL, or nil.
func (r *Registry) Connection(url string) *connection.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[api.NormalizeURL(url)]
}

// RemoveConnection closes a connection's real-time channel and drops its
// registration and metadata.
func (r *Registry) RemoveConnection(url string) {
	normalized := api.NormalizeURL(url)

	r.mu.Lock()
	conn, ok := r.conns[normalized]
	if ok {
		conns := make(map[string]*connection.Connection, len(r.conns))
		for k, v := range r.conns {
			if k != normalized {
				conns[k] = v
			}
		}
		r.conns = conns
	}
	if _, metaOK := r.metas[normalized]; metaOK {
		metas := copyMetas(r.metas)
		delete(metas, normalized)
		r.metas = metas
	}
	r.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	r.persist()
}

// DropConnection closes and deregisters a connection while keeping the
// instance's persisted metadata, so it can be re-registered with a
// different transport configuration.
func (r *Registry) DropConnection(url string) {
	normalized := api.NormalizeURL(url)

	r.mu.Lock()
	conn, ok := r.conns[normalized]
	if ok {
		conns := make(map[string]*connection.Connection, len(r.conns))
		for k, v := range r.conns {
			if k != normalized {
				conns[k] = v
			}
		}
		r.conns = conns
	}
	r.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
}

// SetMeta records display metadata for a registered instance.
func (r *Registry) SetMeta(url, name, iconURL string) {
	normalized := api.NormalizeURL(url)

	r.mu.Lock()
	metas := copyMetas(r.metas)
	metas[normalized] = InstanceMeta{URL: normalized, Name: name, IconURL: iconURL}
	r.metas = metas
	r.mu.Unlock()

	r.persist()
}

// Connections returns a snapshot copy of the registered connections.
func (r *Registry) Connections() map[string]*connection.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make(map[string]*connection.Connection, len(r.conns))
	for k, v := range r.conns {
		conns[k] = v
	}
	return conns
}

// URLs returns the registered instance URLs, sorted.
func (r *Registry) URLs() []string {
	r.mu.Lock()
	urls := make([]string, 0, len(r.conns))
	for k := range r.conns {
		urls = append(urls, k)
	}
	r.mu.Unlock()
	sort.Strings(urls)
	return urls
}

// Metas returns a snapshot of the persisted metadata, sorted by URL.
func (r *Registry) Metas() []InstanceMeta {
	r.mu.Lock()
	metas := make([]InstanceMeta, 0, len(r.metas))
	for _, m := range r.metas {
		metas = append(metas, m)
	}
	r.mu.Unlock()
	sort.Slice(metas, func(i, j int) bool { return metas[i].URL < metas[j].URL })
	return metas
}

// ConnectAll opens the real-time channel of every registered connection.
func (r *Registry) ConnectAll() {
	for _, conn := range r.Connections() {
		conn.Connect()
	}
}

// DisconnectAll closes every registered connection's real-time channel.
func (r *Registry) DisconnectAll() {
	for _, conn := range r.Connections() {
		conn.Disconnect()
	}
}

// Watch reloads the metadata file when another process writes it and
// reports the reloaded list to onChange. It is a no-op without a store.
func (r *Registry) Watch(onChange func(metas []InstanceMeta)) error {
	if r.store == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(r.store.Path())); err != nil {
		watcher.Close()
		return err
	}

	r.mu.Lock()
	r.watcher = watcher
	r.watchDone = make(chan struct{})
	done := r.watchDone
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != r.store.Path() {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				metas, err := r.store.Load()
				if err != nil {
					logger.Warn("registry: reload after external change failed: %v", err)
					continue
				}
				r.mu.Lock()
				reloaded := make(map[string]InstanceMeta, len(metas))
				for _, m := range metas {
					reloaded[api.NormalizeURL(m.URL)] = m
				}
				r.metas = reloaded
				r.mu.Unlock()
				if onChange != nil {
					onChange(metas)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("registry: watch error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any, and closes every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	watcher := r.watcher
	done := r.watchDone
	r.watcher = nil
	r.watchDone = nil
	r.mu.Unlock()

	if watcher != nil {
		watcher.Close()
		<-done
	}
	r.DisconnectAll()
}

func (r *Registry) persist() {
	if r.store == nil {
		return
	}
	if err := r.store.Save(r.Metas()); err != nil {
		logger.Warn("registry: failed to persist instance metadata: %v", err)
	}
}

func copyMetas(in map[string]InstanceMeta) map[string]InstanceMeta {
	out := make(map[string]InstanceMeta, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
