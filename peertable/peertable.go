// Package peertable implements the authenticated peer registry of §3/§4.3:
// a mapping from network endpoint to last-seen time, reputation, and (once
// handshaken) the peer's onion and identity keys.
package peertable

import (
	"sync"
	"time"

	"github.com/hermit-net/hermit/contact"
)

// startingReputation is the reputation a peer is assigned on its first
// successful handshake (§3).
const startingReputation = 50

// Entry is one peer table record.
type Entry struct {
	Endpoint    contact.Endpoint
	LastSeen    time.Time
	Reputation  int
	OnionKey    [32]byte
	IdentityKey [32]byte
	HasKeys     bool
}

// Table is a concurrent map from endpoint to Entry, guarded by a single
// mutex — matching the teacher's preference for explicit locks over
// hidden atomics (circuit.Circuit's rmu/wmu) generalized to one lock since
// peer-table operations are uniformly cheap map mutations, unlike the
// circuit's asymmetric read/write cipher-stream state.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates an empty peer table.
func New() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Upsert registers or refreshes a peer that has just completed a valid
// handshake (§4.3). Reputation is set to 50 only if the peer is new.
func (t *Table) Upsert(endpoint contact.Endpoint, identityKey, onionKey [32]byte, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := endpoint.String()
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{Endpoint: endpoint, Reputation: startingReputation}
		t.entries[key] = e
	}
	e.LastSeen = now
	e.IdentityKey = identityKey
	e.OnionKey = onionKey
	e.HasKeys = true
}

// TouchLastSeen updates last-seen for any observed traffic from endpoint,
// without requiring a completed handshake.
func (t *Table) TouchLastSeen(endpoint contact.Endpoint, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := endpoint.String()
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{Endpoint: endpoint}
		t.entries[key] = e
	}
	e.LastSeen = now
}

// TryGetPeerKey returns the onion key for an authenticated peer at endpoint.
func (t *Table) TryGetPeerKey(endpoint contact.Endpoint) (onionKey [32]byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[endpoint.String()]
	if !found || !e.HasKeys {
		return onionKey, false
	}
	return e.OnionKey, true
}

// Get returns a copy of the full entry for endpoint, if present.
func (t *Table) Get(endpoint contact.Endpoint) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[endpoint.String()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IsAuthenticated reports whether endpoint has completed a handshake.
func (t *Table) IsAuthenticated(endpoint contact.Endpoint) bool {
	_, ok := t.TryGetPeerKey(endpoint)
	return ok
}

// Count returns the number of known peer entries, authenticated or not.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// AuthenticatedPeer is one handshaken peer as a path-selection candidate:
// its endpoint, onion key, and current reputation.
type AuthenticatedPeer struct {
	Endpoint   contact.Endpoint
	OnionKey   [32]byte
	Reputation int
}

// ListAuthenticated returns every peer that has completed a handshake, for
// callers (onion path selection) that need candidates with a known onion
// key rather than a single endpoint lookup.
func (t *Table) ListAuthenticated() []AuthenticatedPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AuthenticatedPeer, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.HasKeys {
			continue
		}
		out = append(out, AuthenticatedPeer{Endpoint: e.Endpoint, OnionKey: e.OnionKey, Reputation: e.Reputation})
	}
	return out
}
