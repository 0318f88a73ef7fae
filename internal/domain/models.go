// Package domain defines the shared wire-level entities of the milap engine:
// profiles, projects, presence entries, connection requests, accepted
// connections, and chat messages. These types are what the engine reads from
// and writes to the shared key-value store, so their JSON field names are the
// canonical wire format and must stay stable across clients.
//
// None of these entities is owned by a single process. They are mutated by
// whichever client holds the relevant UI action, under last-write-wins
// semantics, so every type here is a plain value with no behavior that
// depends on local state.
package domain

import "time"

// Millis is a Unix timestamp in milliseconds, the time representation used
// throughout the shared store (all clients agree on it regardless of their
// local clock resolution).
type Millis = int64

// Now returns the current wall-clock time in Millis.
func Now() Millis { return time.Now().UnixMilli() }

// Profile is the public face of an identity. Owned by exactly one identity;
// overwrites are last-writer-wins.
//
// Fields:
//   - Name: display name shown to other builders (required once onboarded).
//   - Bio: one-line bio or tagline.
//   - Avatar: optional reference to an avatar image (opaque to the engine;
//     the rendering layer decides how to resolve it).
type Profile struct {
	Name   string `json:"name"`
	Bio    string `json:"bio"`
	Avatar string `json:"avatar,omitempty"`
}

// Project is one thing a builder is working on. Projects form an ordered
// list owned by one identity; the list is always written whole, so there is
// no concurrent per-project edit resolution.
type Project struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// UserRecord is the document stored at users/{id}: the profile plus the
// full project list. It is the unit of last-write-wins overwrite.
type UserRecord struct {
	Profile  Profile   `json:"profile"`
	Projects []Project `json:"projects"`
}

// Tags returns every tag across the record's projects, in project order,
// duplicates included. Callers that need set semantics normalize via the
// match package.
func (u UserRecord) Tags() []string {
	var out []string
	for _, p := range u.Projects {
		out = append(out, p.Tags...)
	}
	return out
}

// PresenceEntry marks an identity as currently present in a room. The store
// key is the identity, which makes repeated joins from the same client
// overwrite rather than duplicate.
//
// LastSeen is refreshed by heartbeats so that entries orphaned by abrupt
// client termination can be expired by a reconciliation sweep.
type PresenceEntry struct {
	ID       string `json:"-"` // store key, filled in when listing
	Name     string `json:"name"`
	Since    Millis `json:"time"`
	LastSeen Millis `json:"lastSeen,omitempty"`
}

// ConnectionRequest is a directed, pending proposal stored under the
// target's inbox keyed by the sender. At most one outstanding request exists
// per ordered (from, to) pair; a re-send overwrites the first.
type ConnectionRequest struct {
	From     string `json:"from"`
	FromName string `json:"fromName"`
	SentAt   Millis `json:"time"`
}

// Connection is an accepted network link, stored under a party's network
// keyed by the peer identity.
type Connection struct {
	Peer       string `json:"-"` // store key, filled in when listing
	Name       string `json:"name"`
	AcceptedAt Millis `json:"time"`
}

// ChatMessage is a single immutable chat utterance, shared by the broadcast
// room log and direct threads. Key is the store key the message was written
// under; for direct messages it is identical on both mirrored paths and its
// lexicographic order is the thread order.
type ChatMessage struct {
	Key      string `json:"-"`
	From     string `json:"from"`
	FromName string `json:"fromName"`
	Text     string `json:"text"`
	SentAt   Millis `json:"time"`
}

// Builder is a catalog entry for discovery and tag matching: another
// identity together with its user record.
type Builder struct {
	ID       string    `json:"id"`
	Profile  Profile   `json:"profile"`
	Projects []Project `json:"projects"`
}

// Tags returns every tag across the builder's projects, in project order.
func (b Builder) Tags() []string {
	return UserRecord{Projects: b.Projects}.Tags()
}
