package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcphub/gateway/internal/backend"
	"github.com/mcphub/gateway/internal/db"
	"github.com/mcphub/gateway/internal/gatewayerr"
	"github.com/mcphub/gateway/internal/registry"
)

type fakeDAO struct {
	records map[string]db.SessionRecord
}

func newFakeDAO() *fakeDAO { return &fakeDAO{records: make(map[string]db.SessionRecord)} }

func (f *fakeDAO) CreateSession(ctx context.Context, rec db.SessionRecord) error {
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeDAO) GetSession(ctx context.Context, id string) (*db.SessionRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindUnknownSession, "not found")
	}
	return &rec, nil
}

func (f *fakeDAO) UpdateSessionState(ctx context.Context, id string, state db.SessionState, updatedAt time.Time) error {
	rec := f.records[id]
	rec.State = state
	rec.UpdatedAt = updatedAt
	f.records[id] = rec
	return nil
}

func (f *fakeDAO) ListSessionsByState(ctx context.Context, state db.SessionState) ([]db.SessionRecord, error) {
	var out []db.SessionRecord
	for _, rec := range f.records {
		if rec.State == state {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeDAO) Ping(ctx context.Context) error { return nil }

func testRegistry(t *testing.T, endpoint string) *registry.Registry {
	t.Helper()
	reg, err := registry.Load(writeTestRegistry(t, endpoint))
	require.NoError(t, err)
	return reg
}

func writeTestRegistry(t *testing.T, endpoint string) string {
	t.Helper()
	dir := t.TempDir() + "/registry.yaml"
	contents := "servers:\n  weather:\n    protocol: http\n    rpc_endpoint: " + endpoint + "\n    auth_type: none\n"
	require.NoError(t, os.WriteFile(dir, []byte(contents), 0o644))
	return dir
}

func TestCreateSessionMaterializesConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dao := newFakeDAO()
	reg := testRegistry(t, srv.URL)
	conns := backend.NewManager(time.Second, 0, time.Millisecond)
	mgr := NewManager(dao, reg, conns, zap.NewNop())

	rec, err := mgr.CreateSession(context.Background(), []string{"weather"}, map[string]map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, db.StateReady, rec.State)

	runtime, err := mgr.GetRuntimeState(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Contains(t, runtime.Connections, "weather")
}

func TestCreateSessionUnknownProviderFails(t *testing.T) {
	dao := newFakeDAO()
	reg := testRegistry(t, "http://example.invalid")
	conns := backend.NewManager(time.Second, 0, time.Millisecond)
	mgr := NewManager(dao, reg, conns, zap.NewNop())

	_, err := mgr.CreateSession(context.Background(), []string{"missing"}, nil)
	require.Error(t, err)
	ge, ok := gatewayerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindInvalidRequest, ge.Kind)
}

func TestGetRuntimeStateUnknownSession(t *testing.T) {
	dao := newFakeDAO()
	reg := testRegistry(t, "http://example.invalid")
	conns := backend.NewManager(time.Second, 0, time.Millisecond)
	mgr := NewManager(dao, reg, conns, zap.NewNop())

	_, err := mgr.GetRuntimeState(context.Background(), "does-not-exist")
	require.Error(t, err)
	ge, ok := gatewayerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindUnknownSession, ge.Kind)
}

func TestGetRuntimeStateRebuildsAfterRestart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dao := newFakeDAO()
	reg := testRegistry(t, srv.URL)
	conns := backend.NewManager(time.Second, 0, time.Millisecond)
	mgr := NewManager(dao, reg, conns, zap.NewNop())

	rec, err := mgr.CreateSession(context.Background(), []string{"weather"}, map[string]map[string]any{})
	require.NoError(t, err)

	freshMgr := NewManager(dao, reg, conns, zap.NewNop())
	runtime, err := freshMgr.GetRuntimeState(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Contains(t, runtime.Connections, "weather")
}

func TestCachedToolsIfFreshInvalidatesOnProviderSetChange(t *testing.T) {
	runtime := &RuntimeSessionState{
		Connections: map[string]*backend.Handle{"a": nil, "b": nil},
	}
	runtime.UpdateToolMap(nil, map[string]any{}, map[string]struct{}{"a": {}}, time.Now())

	_, fresh := runtime.CachedToolsIfFresh(time.Now())
	assert.False(t, fresh, "cache should be stale when provider set grew")
}

func TestCachedToolsIfFreshExpiresAfterTTL(t *testing.T) {
	runtime := &RuntimeSessionState{
		Connections: map[string]*backend.Handle{"a": nil},
	}
	runtime.UpdateToolMap(nil, map[string]any{}, map[string]struct{}{"a": {}}, time.Now().Add(-700*time.Second))

	_, fresh := runtime.CachedToolsIfFresh(time.Now())
	assert.False(t, fresh)
}
