// Package idmap tracks the synthetic request ids the gateway mints
// when forwarding a client's JSON-RPC call to an upstream provider,
// so the response can be rewritten back to the id the client sent.
package idmap

import (
	"sync"

	"github.com/google/uuid"
)

type key struct {
	session  string
	provider string
}

// Mapper maps (session, provider, backend id) back to the original
// client-supplied id. It is safe for concurrent use.
type Mapper struct {
	mu      sync.Mutex
	entries map[key]map[string]any
}

// New returns an empty Mapper.
func New() *Mapper {
	return &Mapper{entries: make(map[key]map[string]any)}
}

// Register allocates a fresh backend id for clientID and remembers
// the association. clientID's JSON type (float64, string, nil) is
// stored verbatim so Resolve can hand it back unchanged.
func (m *Mapper) Register(session, provider string, clientID any) string {
	backendID := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{session: session, provider: provider}
	bucket, ok := m.entries[k]
	if !ok {
		bucket = make(map[string]any)
		m.entries[k] = bucket
	}
	bucket[backendID] = clientID

	return backendID
}

// Resolve looks up the client id registered for backendID under
// (session, provider). The second return value is false if no such
// mapping exists.
func (m *Mapper) Resolve(session, provider, backendID string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.entries[key{session: session, provider: provider}]
	if !ok {
		return nil, false
	}
	clientID, ok := bucket[backendID]
	return clientID, ok
}

// Clear drops every mapping registered for session, across all
// providers.
func (m *Mapper) Clear(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.entries {
		if k.session == session {
			delete(m.entries, k)
		}
	}
}
