package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcphub/gateway/internal/backend"
	"github.com/mcphub/gateway/internal/db"
	"github.com/mcphub/gateway/internal/gatewayerr"
	"github.com/mcphub/gateway/internal/idmap"
	"github.com/mcphub/gateway/internal/multiplex"
	"github.com/mcphub/gateway/internal/registry"
	"github.com/mcphub/gateway/internal/session"
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

func setup(t *testing.T, providerURL string) (*Handler, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	contents := "servers:\n  weather:\n    protocol: http\n    rpc_endpoint: " + providerURL + "\n    auth_type: none\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	reg, err := registry.Load(path)
	require.NoError(t, err)

	dao := newFakeDAO()
	conns := backend.NewManager(time.Second, 0, time.Millisecond)
	sessions := session.NewManager(dao, reg, conns, zap.NewNop())
	mux := multiplex.New(sessions)
	ids := idmap.New()
	handler := New(sessions, mux, ids, zap.NewNop())

	rec, err := sessions.CreateSession(context.Background(), []string{"weather"}, map[string]map[string]any{})
	require.NoError(t, err)

	return handler, rec.ID
}

func TestHandleRequestUnknownSession(t *testing.T) {
	handler, _ := setup(t, "http://example.invalid")
	resp := handler.HandleRequest(context.Background(), "does-not-exist", map[string]any{"jsonrpc": "2.0", "id": "1", "method": "initialize"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, gatewayerr.CodeUnknownSession, resp.Error.Code)
}

func TestHandleRequestMissingMethod(t *testing.T) {
	handler, sessionID := setup(t, "http://example.invalid")
	resp := handler.HandleRequest(context.Background(), sessionID, map[string]any{"jsonrpc": "2.0", "id": "1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, gatewayerr.CodeInvalidRequest, resp.Error.Code)
}

func TestHandleRequestUnsupportedMethod(t *testing.T) {
	handler, sessionID := setup(t, "http://example.invalid")
	resp := handler.HandleRequest(context.Background(), sessionID, map[string]any{"jsonrpc": "2.0", "id": "1", "method": "bogus"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, gatewayerr.CodeMethodNotFound, resp.Error.Code)
}

func TestHandleRequestToolsCallUnknownToolAfterInitialize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":"backend-id-ignored","result":{"ok":true}}`))
	}))
	defer srv.Close()

	handler, sessionID := setup(t, srv.URL)

	initResp := handler.HandleRequest(context.Background(), sessionID, map[string]any{
		"jsonrpc": "2.0", "id": "1", "method": "initialize",
	})
	require.Nil(t, initResp.Error)

	// the fake upstream always returns the same payload regardless of
	// method, so initialize discovers no tools; exercise
	// tools/call's unknown-tool path instead, which does not require a
	// populated tool map.
	callResp := handler.HandleRequest(context.Background(), sessionID, map[string]any{
		"jsonrpc": "2.0", "id": "42", "method": "tools/call",
		"params": map[string]any{"name": "weather__ping"},
	})
	require.NotNil(t, callResp.Error)
	assert.Equal(t, gatewayerr.CodeInvalidParams, callResp.Error.Code)
}

func TestHandleRequestToolsCallMissingName(t *testing.T) {
	handler, sessionID := setup(t, "http://example.invalid")
	resp := handler.HandleRequest(context.Background(), sessionID, map[string]any{
		"jsonrpc": "2.0", "id": "1", "method": "tools/call",
		"params": map[string]any{},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, gatewayerr.CodeInvalidParams, resp.Error.Code)
}
