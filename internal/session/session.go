// Package session owns SessionRecord persistence and the process-local
// RuntimeSessionState materialized from it: the live backend
// connections, tool-name map, and cached tools/list result a session
// needs in order to serve requests.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcphub/gateway/internal/auth"
	"github.com/mcphub/gateway/internal/backend"
	"github.com/mcphub/gateway/internal/db"
	"github.com/mcphub/gateway/internal/gatewayerr"
	"github.com/mcphub/gateway/internal/registry"
)

// ToolMapEntry identifies the upstream provider and original tool
// name behind an externally visible prefixed tool name.
type ToolMapEntry struct {
	Provider        string
	BackendToolName string
}

// CachedTools is the last merged tools/list result for a session,
// together with the provider set it was built from.
type CachedTools struct {
	Result    map[string]any
	ToolMap   map[string]ToolMapEntry
	Providers map[string]struct{}
	At        time.Time
}

// RuntimeSessionState is the process-local, non-persistent state
// materialized for a live session. Its methods hold mu and are safe
// for concurrent use; direct reads or writes of the exported fields
// are not synchronized.
type RuntimeSessionState struct {
	mu sync.Mutex

	SessionID       string
	Connections     map[string]*backend.Handle
	ToolNameMap     map[string]ToolMapEntry
	ProviderHeaders map[string]http.Header
	CaptureHeaders  map[string][]string
	Cached          *CachedTools
}

// CaptureHeadersFor returns the response header names to persist for
// provider, per its registry configuration.
func (r *RuntimeSessionState) CaptureHeadersFor(provider string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CaptureHeaders[provider]
}

// ProviderSnapshot is the immutable-at-creation-time provider
// description embedded in a SessionRecord's servers_json.
type ProviderSnapshot struct {
	Name                   string   `json:"name"`
	Protocol               string   `json:"protocol"`
	RPCEndpoint            string   `json:"rpc_endpoint"`
	AuthType               string   `json:"auth_type"`
	APIKeyHeaderName       string   `json:"api_key_header_name"`
	PersistResponseHeaders []string `json:"persist_response_headers"`
}

// toolCacheTTL is the lifetime of a merged tools/list result, per the
// freshness invariant on RuntimeSessionState.cached_tools.
const toolCacheTTL = 600 * time.Second

// Manager creates, persists, and materializes sessions.
type Manager struct {
	dao      db.SessionDAO
	registry *registry.Registry
	conns    *backend.Manager
	logger   *zap.Logger

	mu      sync.Mutex
	runtime map[string]*RuntimeSessionState
}

// NewManager builds a Manager backed by dao for persistence, reg for
// provider lookups, and conns for backend connection pooling.
func NewManager(dao db.SessionDAO, reg *registry.Registry, conns *backend.Manager, logger *zap.Logger) *Manager {
	return &Manager{
		dao:      dao,
		registry: reg,
		conns:    conns,
		logger:   logger,
		runtime:  make(map[string]*RuntimeSessionState),
	}
}

// CreateSession resolves each named provider, persists a new
// SessionRecord in state ready, and materializes its runtime state.
// If materialization fails the record is transitioned to failed and
// the error is returned.
func (m *Manager) CreateSession(ctx context.Context, servers []string, credentials map[string]map[string]any) (*db.SessionRecord, error) {
	snapshots := make([]ProviderSnapshot, 0, len(servers))
	for _, name := range servers {
		cfg, err := m.registry.Get(name)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindInvalidRequest, "unknown provider "+name, err)
		}
		if cfg.Protocol != "http" {
			return nil, gatewayerr.New(gatewayerr.KindInvalidRequest, "provider "+name+" has unsupported protocol "+cfg.Protocol)
		}
		snapshots = append(snapshots, ProviderSnapshot{
			Name:                   cfg.Name,
			Protocol:               cfg.Protocol,
			RPCEndpoint:            cfg.RPCEndpoint,
			AuthType:               string(cfg.AuthType),
			APIKeyHeaderName:       cfg.APIKeyHeaderName,
			PersistResponseHeaders: cfg.PersistResponseHeaders,
		})
	}

	serversJSON, err := json.Marshal(snapshots)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, "encoding server snapshots", err)
	}
	credentialsJSON, err := json.Marshal(credentials)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, "encoding credentials", err)
	}

	now := time.Now().UTC()
	rec := db.SessionRecord{
		ID:              uuid.NewString(),
		CreatedAt:       now,
		UpdatedAt:       now,
		State:           db.StateReady,
		ServersJSON:     string(serversJSON),
		CredentialsJSON: string(credentialsJSON),
	}

	if err := m.dao.CreateSession(ctx, rec); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, "persisting session", err)
	}

	runtime, err := m.materialize(rec.ID, snapshots, credentials)
	if err != nil {
		_ = m.dao.UpdateSessionState(ctx, rec.ID, db.StateFailed, time.Now().UTC())
		rec.State = db.StateFailed
		return &rec, err
	}

	m.mu.Lock()
	m.runtime[rec.ID] = runtime
	m.mu.Unlock()

	return &rec, nil
}

// GetRuntimeState returns the cached runtime state for sessionID if
// present; otherwise it loads the persistent record and rebuilds the
// runtime from it, enabling recovery after a process restart. Fails
// with UnknownSession if no such record exists.
func (m *Manager) GetRuntimeState(ctx context.Context, sessionID string) (*RuntimeSessionState, error) {
	m.mu.Lock()
	runtime, ok := m.runtime[sessionID]
	m.mu.Unlock()
	if ok {
		return runtime, nil
	}

	rec, err := m.dao.GetSession(ctx, sessionID)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindUnknownSession, "session "+sessionID+" not found", err)
	}

	snapshots, credentials, err := decodeRecord(*rec)
	if err != nil {
		return nil, err
	}

	runtime, err = m.materialize(sessionID, snapshots, credentials)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.runtime[sessionID] = runtime
	m.mu.Unlock()

	return runtime, nil
}

// GetSessionRecord returns the persisted SessionRecord for sessionID,
// independent of whether its runtime state has been materialized.
func (m *Manager) GetSessionRecord(ctx context.Context, sessionID string) (*db.SessionRecord, error) {
	rec, err := m.dao.GetSession(ctx, sessionID)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindUnknownSession, "session "+sessionID+" not found", err)
	}
	return rec, nil
}

// ListProviders returns every provider configured in the registry.
func (m *Manager) ListProviders() map[string]registry.ProviderConfig {
	return m.registry.List()
}

// Ping reports whether the session store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.dao.Ping(ctx)
}

// Logger returns the zap.Logger the Manager was built with, for
// components (e.g. the Multiplexer) that share it rather than take
// their own.
func (m *Manager) Logger() *zap.Logger {
	return m.logger
}

// LoadPersistedSessions rebuilds runtime state for every session
// record in state ready. Called once at startup; per-session failures
// are logged and do not abort the remaining sessions.
func (m *Manager) LoadPersistedSessions(ctx context.Context) {
	recs, err := m.dao.ListSessionsByState(ctx, db.StateReady)
	if err != nil {
		m.logger.Error("listing ready sessions at startup", zap.Error(err))
		return
	}

	for _, rec := range recs {
		if _, err := m.GetRuntimeState(ctx, rec.ID); err != nil {
			m.logger.Warn("failed to restore session at startup",
				zap.String("session_id", rec.ID), zap.Error(err))
		}
	}
}

func decodeRecord(rec db.SessionRecord) ([]ProviderSnapshot, map[string]map[string]any, error) {
	var snapshots []ProviderSnapshot
	if err := json.Unmarshal([]byte(rec.ServersJSON), &snapshots); err != nil {
		return nil, nil, gatewayerr.Wrap(gatewayerr.KindInternal, "decoding servers_json for session "+rec.ID, err)
	}
	var credentials map[string]map[string]any
	if err := json.Unmarshal([]byte(rec.CredentialsJSON), &credentials); err != nil {
		return nil, nil, gatewayerr.Wrap(gatewayerr.KindInternal, "decoding credentials_json for session "+rec.ID, err)
	}
	return snapshots, credentials, nil
}

func (m *Manager) materialize(sessionID string, snapshots []ProviderSnapshot, credentials map[string]map[string]any) (*RuntimeSessionState, error) {
	runtime := &RuntimeSessionState{
		SessionID:       sessionID,
		Connections:     make(map[string]*backend.Handle, len(snapshots)),
		ToolNameMap:     make(map[string]ToolMapEntry),
		ProviderHeaders: make(map[string]http.Header),
		CaptureHeaders:  make(map[string][]string, len(snapshots)),
	}

	for _, snap := range snapshots {
		cfg := registry.ProviderConfig{
			Name:             snap.Name,
			Protocol:         snap.Protocol,
			RPCEndpoint:      snap.RPCEndpoint,
			AuthType:         registry.AuthType(snap.AuthType),
			APIKeyHeaderName: snap.APIKeyHeaderName,
		}

		headers, err := auth.Build(cfg, credentials[snap.Name])
		if err != nil {
			return nil, err
		}

		handle := m.conns.GetOrCreate(sessionID, snap.Name, snap.RPCEndpoint, headers, nil)
		runtime.Connections[snap.Name] = handle
		runtime.CaptureHeaders[snap.Name] = snap.PersistResponseHeaders
	}

	return runtime, nil
}

// UpdateToolMap replaces the session's tool-name map and cached tools
// result atomically with respect to other readers of the same
// RuntimeSessionState.
func (r *RuntimeSessionState) UpdateToolMap(toolMap map[string]ToolMapEntry, result map[string]any, providers map[string]struct{}, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ToolNameMap = toolMap
	r.Cached = &CachedTools{Result: result, ToolMap: toolMap, Providers: providers, At: at}
}

// ResolveTool looks up name in the tool-name map installed by the most
// recent initialize or tools/list.
func (r *RuntimeSessionState) ResolveTool(name string) (ToolMapEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ToolNameMap[name]
	return e, ok
}

// CachedToolsIfFresh returns the cached tools/list result if it is
// still within TTL and was built from exactly the session's current
// provider set.
func (r *RuntimeSessionState) CachedToolsIfFresh(now time.Time) (*CachedTools, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Cached == nil {
		return nil, false
	}
	if now.Sub(r.Cached.At) >= toolCacheTTL {
		return nil, false
	}
	if len(r.Cached.Providers) != len(r.Connections) {
		return nil, false
	}
	for name := range r.Connections {
		if _, ok := r.Cached.Providers[name]; !ok {
			return nil, false
		}
	}
	return r.Cached, true
}

// PersistProviderHeaders merges captured into the session's stored
// header set for provider and pushes the merged set onto the live
// backend handle.
func (r *RuntimeSessionState) PersistProviderHeaders(provider string, captured http.Header) {
	if len(captured) == 0 {
		return
	}

	r.mu.Lock()
	existing, ok := r.ProviderHeaders[provider]
	if !ok {
		existing = make(http.Header)
	}
	for k, vs := range captured {
		for _, v := range vs {
			existing.Set(k, v)
		}
	}
	r.ProviderHeaders[provider] = existing
	handle := r.Connections[provider]
	r.mu.Unlock()

	if handle != nil {
		handle.UpdateHeaders(captured)
	}
}
