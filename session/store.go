package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opencord/client-go/api"
)

// StoredInstance is the durable form of a per-instance session record.
// The live connection is a runtime-only attachment and never stored.
type StoredInstance struct {
	URL          string
	Source       CredentialSource
	Info         *api.InstanceInfo
	User         *api.User
	AccessToken  string
	RefreshToken string
}

// Store is the durable backing of the session manager.
type Store interface {
	// Load returns the central auth session (nil when none) and all
	// instance session records.
	Load() (*CentralAuth, []StoredInstance, error)
	SaveCentral(central CentralAuth) error
	ClearCentral() error
	UpsertInstance(inst StoredInstance) error
	DeleteInstance(url string) error
	Close() error
}

// SQLiteStore persists session state in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dbPath. Use
// ":memory:" for an ephemeral store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A client-side store never needs more than one writer, and a single
	// connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS auth_session (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	authority_url TEXT NOT NULL,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	user_json TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS instance_sessions (
	url TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	info_json TEXT NOT NULL DEFAULT '',
	user_json TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT ''
);`
	_, err := s.db.Exec(schema)
	return err
}

// Load implements Store.
func (s *SQLiteStore) Load() (*CentralAuth, []StoredInstance, error) {
	var central *CentralAuth
	row := s.db.QueryRow(`SELECT authority_url, access_token, refresh_token, user_json FROM auth_session WHERE id = 1`)
	var authorityURL, accessToken, refreshToken, userJSON string
	switch err := row.Scan(&authorityURL, &accessToken, &refreshToken, &userJSON); err {
	case nil:
		central = &CentralAuth{
			AuthorityURL: authorityURL,
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
		}
		if userJSON != "" {
			var user api.User
			if jerr := json.Unmarshal([]byte(userJSON), &user); jerr == nil {
				central.User = &user
			}
		}
	case sql.ErrNoRows:
		// no central session
	default:
		return nil, nil, fmt.Errorf("failed to load auth session: %w", err)
	}

	rows, err := s.db.Query(`SELECT url, source, info_json, user_json, access_token, refresh_token FROM instance_sessions ORDER BY url`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load instance sessions: %w", err)
	}
	defer rows.Close()

	var instances []StoredInstance
	for rows.Next() {
		var inst StoredInstance
		var source, infoJSON, userJSON string
		if err := rows.Scan(&inst.URL, &source, &infoJSON, &userJSON, &inst.AccessToken, &inst.RefreshToken); err != nil {
			return nil, nil, fmt.Errorf("failed to scan instance session: %w", err)
		}
		inst.Source = CredentialSource(source)
		if infoJSON != "" {
			var info api.InstanceInfo
			if jerr := json.Unmarshal([]byte(infoJSON), &info); jerr == nil {
				inst.Info = &info
			}
		}
		if userJSON != "" {
			var user api.User
			if jerr := json.Unmarshal([]byte(userJSON), &user); jerr == nil {
				inst.User = &user
			}
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to load instance sessions: %w", err)
	}
	return central, instances, nil
}

// SaveCentral implements Store.
func (s *SQLiteStore) SaveCentral(central CentralAuth) error {
	userJSON := ""
	if central.User != nil {
		data, err := json.Marshal(central.User)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		userJSON = string(data)
	}
	_, err := s.db.Exec(`
INSERT INTO auth_session (id, authority_url, access_token, refresh_token, user_json)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	authority_url = excluded.authority_url,
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	user_json = excluded.user_json`,
		central.AuthorityURL, central.AccessToken, central.RefreshToken, userJSON)
	if err != nil {
		return fmt.Errorf("failed to save auth session: %w", err)
	}
	return nil
}

// ClearCentral implements Store.
func (s *SQLiteStore) ClearCentral() error {
	if _, err := s.db.Exec(`DELETE FROM auth_session WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear auth session: %w", err)
	}
	return nil
}

// UpsertInstance implements Store.
func (s *SQLiteStore) UpsertInstance(inst StoredInstance) error {
	infoJSON := ""
	if inst.Info != nil {
		data, err := json.Marshal(inst.Info)
		if err != nil {
			return fmt.Errorf("failed to encode instance info: %w", err)
		}
		infoJSON = string(data)
	}
	userJSON := ""
	if inst.User != nil {
		data, err := json.Marshal(inst.User)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		userJSON = string(data)
	}
	_, err := s.db.Exec(`
INSERT INTO instance_sessions (url, source, info_json, user_json, access_token, refresh_token)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
	source = excluded.source,
	info_json = excluded.info_json,
	user_json = excluded.user_json,
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token`,
		inst.URL, string(inst.Source), infoJSON, userJSON, inst.AccessToken, inst.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to save instance session: %w", err)
	}
	return nil
}

// DeleteInstance implements Store.
func (s *SQLiteStore) DeleteInstance(url string) error {
	if _, err := s.db.Exec(`DELETE FROM instance_sessions WHERE url = ?`, url); err != nil {
		return fmt.Errorf("failed to delete instance session: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
