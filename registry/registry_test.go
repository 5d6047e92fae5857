package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencord/client-go/connection"
)

// TestAddConnectionIdempotent tests that URL variants differing by a
// trailing slash map to one connection
func TestAddConnectionIdempotent(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	defer r.Close()

	a := r.AddConnection("https://chat.example.com/", connection.Options{})
	b := r.AddConnection("https://chat.example.com", connection.Options{})
	assert.Same(t, a, b)
	assert.Equal(t, []string{"https://chat.example.com"}, r.URLs())

	assert.Same(t, a, r.Connection("https://chat.example.com/"))
}

// TestRemoveConnection tests that removal drops both the connection and
// its metadata
func TestRemoveConnection(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	defer r.Close()

	r.AddConnection("https://a.example.com", connection.Options{})
	r.AddConnection("https://b.example.com", connection.Options{})
	r.SetMeta("https://a.example.com", "Instance A", "")

	r.RemoveConnection("https://a.example.com/")
	assert.Nil(t, r.Connection("https://a.example.com"))
	assert.Equal(t, []string{"https://b.example.com"}, r.URLs())

	metas := r.Metas()
	require.Len(t, metas, 1)
	assert.Equal(t, "https://b.example.com", metas[0].URL)

	// Removing an unknown URL is harmless.
	r.RemoveConnection("https://c.example.com")
}

// TestDropConnectionKeepsMeta tests that dropping a connection preserves
// the instance metadata for re-registration
func TestDropConnectionKeepsMeta(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	defer r.Close()

	r.AddConnection("https://a.example.com", connection.Options{})
	r.SetMeta("https://a.example.com", "Instance A", "")

	r.DropConnection("https://a.example.com")
	assert.Nil(t, r.Connection("https://a.example.com"))
	require.Len(t, r.Metas(), 1)
	assert.Equal(t, "Instance A", r.Metas()[0].Name)
}

// TestStorePersistsNoTokens tests that the metadata file never contains
// credential material
func TestStorePersistsNoTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instances.json")

	r, err := New(Options{Store: NewStore(path)})
	require.NoError(t, err)
	defer r.Close()

	r.AddConnection("https://a.example.com", connection.Options{
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
	})
	r.SetMeta("https://a.example.com", "Instance A", "https://a.example.com/icon.png")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-access")
	assert.NotContains(t, string(data), "secret-refresh")

	var metas []InstanceMeta
	require.NoError(t, json.Unmarshal(data, &metas))
	require.Len(t, metas, 1)
	assert.Equal(t, "Instance A", metas[0].Name)
}

// TestStoreRoundTrip tests that a new registry picks up previously
// persisted metadata
func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instances.json")

	r1, err := New(Options{Store: NewStore(path)})
	require.NoError(t, err)
	r1.AddConnection("https://a.example.com", connection.Options{})
	r1.SetMeta("https://a.example.com", "Instance A", "")
	r1.Close()

	r2, err := New(Options{Store: NewStore(path)})
	require.NoError(t, err)
	defer r2.Close()

	metas := r2.Metas()
	require.Len(t, metas, 1)
	assert.Equal(t, "Instance A", metas[0].Name)
	// Metadata alone does not resurrect connections.
	assert.Empty(t, r2.URLs())
}

// TestStoreLoadMissingFile tests that a missing metadata file is not an
// error
func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"))
	metas, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, metas)
}

// TestWatchReload tests that an external write to the metadata file is
// picked up
func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instances.json")
	store := NewStore(path)

	r, err := New(Options{Store: store})
	require.NoError(t, err)
	defer r.Close()

	changed := make(chan []InstanceMeta, 4)
	require.NoError(t, r.Watch(func(metas []InstanceMeta) {
		changed <- metas
	}))

	// Another process writes the file.
	external := NewStore(path)
	require.NoError(t, external.Save([]InstanceMeta{{URL: "https://new.example.com", Name: "New"}}))

	select {
	case metas := <-changed:
		require.Len(t, metas, 1)
		assert.Equal(t, "https://new.example.com", metas[0].URL)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch reload")
	}

	metas := r.Metas()
	require.Len(t, metas, 1)
	assert.Equal(t, "New", metas[0].Name)
}
