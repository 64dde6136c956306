// Package multiplex fans a single JSON-RPC request out to every
// provider in a session, merges the per-provider tools/list results
// under a prefixed namespace, and maintains the resulting tool-name
// map the protocol handler uses to route tools/call.
package multiplex

import (
	"context"
	"regexp"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcphub/gateway/internal/backend"
	"github.com/mcphub/gateway/internal/gatewayerr"
	"github.com/mcphub/gateway/internal/session"
)

// fanoutTimeout overrides the configured backend default for
// initialize and tools/list — both need enough headroom for an
// upstream's own startup/discovery work.
const fanoutTimeout = 60 * time.Second

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitize replaces every character outside [A-Za-z0-9_-] with "_".
func sanitize(s string) string {
	return sanitizePattern.ReplaceAllString(s, "_")
}

// PrefixedName builds the externally visible tool name for a provider
// and its backend tool name.
func PrefixedName(provider, toolName string) string {
	return sanitize(provider) + "__" + sanitize(toolName)
}

type providerResult struct {
	provider string
	result   map[string]any
	err      error
}

// Multiplexer fans requests out across a session's live connections.
type Multiplexer struct {
	sessions *session.Manager
	logger   *zap.Logger
}

// New builds a Multiplexer over sessions, sharing its logger.
func New(sessions *session.Manager) *Multiplexer {
	return &Multiplexer{sessions: sessions, logger: sessions.Logger()}
}

// Initialize fans body out to every provider connection in the
// session, merges their results, installs the resulting tool-name map
// into the runtime, and returns the merged result object.
func (m *Multiplexer) Initialize(ctx context.Context, sessionID string, body map[string]any) (map[string]any, error) {
	runtime, err := m.sessions.GetRuntimeState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	results, order := m.fanOut(ctx, runtime, body)

	baseResult, combinedTools, toolMap, serverInfo := merge(order, results)
	if baseResult == nil {
		baseResult = map[string]any{}
	}
	baseResult["tools"] = combinedTools
	baseResult["server_info"] = serverInfo

	providers := make(map[string]struct{}, len(order))
	for _, p := range order {
		providers[p] = struct{}{}
	}
	runtime.UpdateToolMap(toolMap, baseResult, providers, time.Now())

	return baseResult, nil
}

// ListTools returns the session's cached tools/list result if it is
// still fresh for the current provider set, otherwise performs a
// fresh fan-out and repopulates the cache.
func (m *Multiplexer) ListTools(ctx context.Context, sessionID string, body map[string]any) (map[string]any, error) {
	runtime, err := m.sessions.GetRuntimeState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if cached, fresh := runtime.CachedToolsIfFresh(time.Now()); fresh {
		runtime.UpdateToolMap(cached.ToolMap, cached.Result, cached.Providers, cached.At)
		return map[string]any{
			"tools":       cached.Result["tools"],
			"server_info": cached.Result["server_info"],
		}, nil
	}

	results, order := m.fanOut(ctx, runtime, body)

	_, combinedTools, toolMap, serverInfo := merge(order, results)

	out := map[string]any{"tools": combinedTools, "server_info": serverInfo}

	providers := make(map[string]struct{}, len(order))
	for _, p := range order {
		providers[p] = struct{}{}
	}
	runtime.UpdateToolMap(toolMap, out, providers, time.Now())

	return out, nil
}

// fanOut dispatches body to every connection in runtime concurrently,
// awaiting all before returning. order lists the providers in Go map
// iteration order over rt.Connections, not in registration order; it
// is not defined and can differ between calls, so the relative order
// of providers in a merged result (and which provider's result is the
// base of Initialize's reply) is not fixed.
func (m *Multiplexer) fanOut(ctx context.Context, rt *session.RuntimeSessionState, body map[string]any) (map[string]providerResult, []string) {
	order := make([]string, 0, len(rt.Connections))
	for name := range rt.Connections {
		order = append(order, name)
	}

	results := make(map[string]providerResult, len(order))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.NumCPU()))

	for _, name := range order {
		name := name
		handle := rt.Connections[name]
		capture := rt.CaptureHeadersFor(name)
		g.Go(func() error {
			decoded, headers, err := handle.Post(gctx, body, fanoutTimeout, capture)
			pr := providerResult{provider: name, result: decoded, err: err}

			mu.Lock()
			results[name] = pr
			mu.Unlock()

			if err != nil {
				m.logger.Debug("provider fan-out failed", zap.String("provider", name), zap.Error(err))
			} else if len(headers) > 0 {
				rt.PersistProviderHeaders(name, headers)
			}
			return nil
		})
	}

	_ = g.Wait()
	return results, order
}

func merge(order []string, results map[string]providerResult) (map[string]any, []any, map[string]session.ToolMapEntry, []any) {
	var baseResult map[string]any
	combinedTools := make([]any, 0)
	toolMap := make(map[string]session.ToolMapEntry)
	serverInfo := make([]any, 0, len(order))

	for _, provider := range order {
		pr := results[provider]

		if pr.err != nil {
			serverInfo = append(serverInfo, map[string]any{
				"provider": provider,
				"status":   "error",
				"message":  pr.err.Error(),
			})
			continue
		}

		result, _ := pr.result["result"].(map[string]any)

		if baseResult == nil && result != nil {
			baseResult = cloneMap(result)
		}

		tools, _ := result["tools"].([]any)
		count := 0
		for _, t := range tools {
			tool, ok := t.(map[string]any)
			if !ok {
				continue
			}
			name, _ := tool["name"].(string)
			if name == "" {
				continue
			}
			prefixed := PrefixedName(provider, name)
			copied := cloneMap(tool)
			copied["name"] = prefixed
			combinedTools = append(combinedTools, copied)
			toolMap[prefixed] = session.ToolMapEntry{Provider: provider, BackendToolName: name}
			count++
		}

		serverInfo = append(serverInfo, map[string]any{
			"provider":   provider,
			"status":     "ok",
			"tool_count": count,
		})
	}

	return baseResult, combinedTools, toolMap, serverInfo
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CallTool forwards a tools/call request to the resolved provider's
// handle, using the configured backend timeout rather than the
// fan-out override. capture names the response headers to persist, per
// the provider's registry configuration. Any captured headers are
// written back onto rt before CallTool returns.
func (m *Multiplexer) CallTool(ctx context.Context, rt *session.RuntimeSessionState, provider string, handle *backend.Handle, body map[string]any) (map[string]any, error) {
	capture := rt.CaptureHeadersFor(provider)
	decoded, headers, err := handle.Post(ctx, body, 0, capture)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		rt.PersistProviderHeaders(provider, headers)
	}
	if _, ok := decoded["jsonrpc"]; !ok {
		return nil, gatewayerr.New(gatewayerr.KindProtocolError, "upstream response missing jsonrpc field")
	}
	return decoded, nil
}
