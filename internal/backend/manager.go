package backend

import (
	"net/http"
	"sync"
	"time"
)

type sessionProvider struct {
	session  string
	provider string
}

// Manager keeps one Handle per (session, provider) pair alive for the
// life of the process. All lookups and inserts are serialized by a
// single mutex; Handle I/O itself happens outside the lock.
type Manager struct {
	timeout     time.Duration
	retries     int
	backoffBase time.Duration

	mu      sync.Mutex
	handles map[sessionProvider]*Handle
}

// NewManager builds a Manager applying timeout/retries/backoffBase to
// every Handle it creates.
func NewManager(timeout time.Duration, retries int, backoffBase time.Duration) *Manager {
	return &Manager{
		timeout:     timeout,
		retries:     retries,
		backoffBase: backoffBase,
		handles:     make(map[sessionProvider]*Handle),
	}
}

// GetOrCreate returns the existing handle for (session, provider) if
// one exists; otherwise it builds one whose initial headers are
// headers merged with persisted, and installs it.
func (m *Manager) GetOrCreate(session, provider, baseURL string, headers, persisted http.Header) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionProvider{session: session, provider: provider}
	if h, ok := m.handles[key]; ok {
		return h
	}

	merged := cloneHeader(headers)
	for k, vs := range persisted {
		for _, v := range vs {
			merged.Set(k, v)
		}
	}

	h := NewHandle(baseURL, merged, m.timeout, m.retries, m.backoffBase)
	m.handles[key] = h
	return h
}

// Get returns the handle for (session, provider), if one is already
// installed.
func (m *Manager) Get(session, provider string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionProvider{session: session, provider: provider}]
	return h, ok
}

// CloseAll closes every handle and empties the table. Intended for
// process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[sessionProvider]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
}
