// Package session owns the durable session state of the client: the
// central auth session and the per-instance session table. It decides,
// per instance, which credential source is authoritative, materializes
// connections through the registry, and publishes immutable snapshots to
// observers on every mutation.
package session

import (
	"github.com/opencord/client-go/api"
	"github.com/opencord/client-go/connection"
)

// CredentialSource tags which token pair an instance's transport uses.
type CredentialSource string

const (
	// SourceLocal means the instance issues and refreshes its own pair.
	SourceLocal CredentialSource = "local"
	// SourceCentral means the shared central-authority pair is used.
	SourceCentral CredentialSource = "central"
)

// CentralAuth is the central-authority session shared by every
// central-auth instance.
type CentralAuth struct {
	AuthorityURL string
	User         *api.User
	AccessToken  string
	RefreshToken string
}

// InstanceRecord is the observable, immutable view of one instance's
// session.
type InstanceRecord struct {
	URL       string
	Info      *api.InstanceInfo
	Source    CredentialSource
	User      *api.User
	Connected bool
}

// Snapshot is an immutable view of the whole session state. Live
// connection handles are not part of it.
type Snapshot struct {
	Central   CentralAuth
	Instances map[string]InstanceRecord
	ActiveURL string
}

// instanceSession is the manager-internal record; conn is the
// runtime-only attachment that is never persisted.
type instanceSession struct {
	url          string
	info         *api.InstanceInfo
	source       CredentialSource
	accessToken  string
	refreshToken string
	user         *api.User
	conn         *connection.Connection
}

func (is *instanceSession) record() InstanceRecord {
	rec := InstanceRecord{
		URL:    is.url,
		Info:   is.info,
		Source: is.source,
		User:   is.user,
	}
	if is.conn != nil {
		rec.Connected = is.conn.Connected()
	}
	return rec
}

func (is *instanceSession) stored() StoredInstance {
	return StoredInstance{
		URL:          is.url,
		Source:       is.source,
		Info:         is.info,
		User:         is.user,
		AccessToken:  is.accessToken,
		RefreshToken: is.refreshToken,
	}
}
