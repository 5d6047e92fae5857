package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencord/client-go/api"
)

// TestSQLiteStoreEmpty tests loading a fresh database
func TestSQLiteStoreEmpty(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	central, instances, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, central)
	assert.Empty(t, instances)
}

// TestSQLiteStoreCentralRoundTrip tests saving, updating and clearing
// the central auth session
func TestSQLiteStoreCentralRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	central := CentralAuth{
		AuthorityURL: "https://auth.example.com",
		User:         &api.User{ID: "user-1", Username: "alice"},
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
	}
	require.NoError(t, store.SaveCentral(central))

	loaded, _, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, central.AuthorityURL, loaded.AuthorityURL)
	assert.Equal(t, "acc-1", loaded.AccessToken)
	require.NotNil(t, loaded.User)
	assert.Equal(t, "alice", loaded.User.Username)

	// Single row; a second save replaces it.
	central.AccessToken = "acc-2"
	require.NoError(t, store.SaveCentral(central))
	loaded, _, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, "acc-2", loaded.AccessToken)

	require.NoError(t, store.ClearCentral())
	loaded, _, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

// TestSQLiteStoreInstanceRoundTrip tests instance session upsert and
// delete
func TestSQLiteStoreInstanceRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	inst := StoredInstance{
		URL:          "https://chat.example.com",
		Source:       SourceLocal,
		Info:         &api.InstanceInfo{Name: "Chat"},
		User:         &api.User{ID: "user-1", Username: "alice"},
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
	}
	require.NoError(t, store.UpsertInstance(inst))

	_, instances, err := store.Load()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst.URL, instances[0].URL)
	assert.Equal(t, SourceLocal, instances[0].Source)
	require.NotNil(t, instances[0].Info)
	assert.Equal(t, "Chat", instances[0].Info.Name)
	assert.Equal(t, "ref-1", instances[0].RefreshToken)

	inst.Source = SourceCentral
	inst.AccessToken = ""
	inst.RefreshToken = ""
	require.NoError(t, store.UpsertInstance(inst))
	_, instances, err = store.Load()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, SourceCentral, instances[0].Source)
	assert.Empty(t, instances[0].RefreshToken)

	require.NoError(t, store.DeleteInstance(inst.URL))
	_, instances, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, instances)
}

// TestSQLiteStoreFilePersistence tests that state survives reopening the
// database file
func TestSQLiteStoreFilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveCentral(CentralAuth{AuthorityURL: "https://auth.example.com"}))
	require.NoError(t, store.UpsertInstance(StoredInstance{URL: "https://chat.example.com", Source: SourceLocal}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	central, instances, err := reopened.Load()
	require.NoError(t, err)
	require.NotNil(t, central)
	assert.Equal(t, "https://auth.example.com", central.AuthorityURL)
	require.Len(t, instances, 1)
}
