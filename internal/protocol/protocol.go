// Package protocol implements the JSON-RPC 2.0 request dispatcher
// exposed at /session/{id}/mcp: method routing, id echoing, and the
// gateway's complete error-code taxonomy.
package protocol

import (
	"context"

	"go.uber.org/zap"

	"github.com/mcphub/gateway/internal/gatewayerr"
	"github.com/mcphub/gateway/internal/idmap"
	"github.com/mcphub/gateway/internal/multiplex"
	"github.com/mcphub/gateway/internal/session"
)

const defaultJSONRPCVersion = "2.0"

// Handler dispatches JSON-RPC requests for a single session's mcp
// endpoint to the multiplexer or directly to a provider handle.
type Handler struct {
	sessions *session.Manager
	mux      *multiplex.Multiplexer
	ids      *idmap.Mapper
	logger   *zap.Logger
}

// New builds a Handler.
func New(sessions *session.Manager, mux *multiplex.Multiplexer, ids *idmap.Mapper, logger *zap.Logger) *Handler {
	return &Handler{sessions: sessions, mux: mux, ids: ids, logger: logger}
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result
// or Error is populated.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// HandleRequest dispatches a single decoded JSON-RPC request body for
// sessionID and returns the response envelope to write back to the
// caller. It never returns a Go error for request-level failures —
// those are encoded into the returned Response's Error field so the
// HTTP layer can always answer 200 with a JSON-RPC payload.
func (h *Handler) HandleRequest(ctx context.Context, sessionID string, body map[string]any) *Response {
	version, _ := body["jsonrpc"].(string)
	if version == "" {
		version = defaultJSONRPCVersion
	}
	id := body["id"]

	if _, err := h.sessions.GetRuntimeState(ctx, sessionID); err != nil {
		return errorResponse(version, id, gatewayerr.KindUnknownSession, "unknown session "+sessionID)
	}

	method, ok := body["method"].(string)
	if !ok || method == "" {
		return errorResponse(version, id, gatewayerr.KindInvalidRequest, "missing method")
	}

	switch method {
	case "initialize":
		result, err := h.mux.Initialize(ctx, sessionID, body)
		if err != nil {
			return errorFromErr(version, id, err)
		}
		return &Response{JSONRPC: version, ID: id, Result: result}

	case "tools/list":
		result, err := h.mux.ListTools(ctx, sessionID, body)
		if err != nil {
			return errorFromErr(version, id, err)
		}
		return &Response{JSONRPC: version, ID: id, Result: result}

	case "tools/call":
		return h.handleToolsCall(ctx, sessionID, version, id, body)

	default:
		return errorResponse(version, id, gatewayerr.KindMethodNotFound, "method not supported: "+method)
	}
}

func (h *Handler) handleToolsCall(ctx context.Context, sessionID, version string, id any, body map[string]any) *Response {
	params, _ := body["params"].(map[string]any)
	name, _ := params["name"].(string)
	if name == "" {
		return errorResponse(version, id, gatewayerr.KindUnknownTool, "params.name must be a non-empty string")
	}

	runtime, err := h.sessions.GetRuntimeState(ctx, sessionID)
	if err != nil {
		return errorFromErr(version, id, err)
	}
	h.logger.Debug("session resolved", zap.String("session_id", sessionID))

	entry, ok := runtime.ResolveTool(name)
	if !ok {
		return errorResponse(version, id, gatewayerr.KindUnknownTool,
			"unknown tool "+name+"; re-run initialize or tools/list")
	}
	h.logger.Debug("tool mapping resolved",
		zap.String("session_id", sessionID), zap.String("tool", name), zap.String("provider", entry.Provider))

	handle, ok := runtime.Connections[entry.Provider]
	if !ok {
		return errorResponse(version, id, gatewayerr.KindUnknownProvider,
			"provider "+entry.Provider+" is not connected in this session")
	}

	backendID := h.ids.Register(sessionID, entry.Provider, id)

	forwarded := shallowCopy(body)
	forwardedParams := shallowCopy(params)
	forwardedParams["name"] = entry.BackendToolName
	forwarded["params"] = forwardedParams
	forwarded["id"] = backendID

	decoded, err := h.mux.CallTool(ctx, runtime, entry.Provider, handle, forwarded)
	if err != nil {
		return errorFromErr(version, id, err)
	}

	clientID, ok := h.ids.Resolve(sessionID, entry.Provider, backendID)
	if !ok {
		clientID = id
	}
	h.logger.Debug("id translated",
		zap.String("session_id", sessionID), zap.Any("backend_id", backendID), zap.Any("client_id", clientID))

	respVersion, _ := decoded["jsonrpc"].(string)
	if respVersion == "" {
		respVersion = defaultJSONRPCVersion
	}

	var resp *Response
	if errObj, hasError := decoded["error"]; hasError {
		resp = &Response{JSONRPC: respVersion, ID: clientID, Error: toRPCError(errObj)}
	} else {
		resp = &Response{JSONRPC: respVersion, ID: clientID, Result: decoded["result"]}
	}
	h.logger.Debug("final response", zap.String("session_id", sessionID), zap.Bool("is_error", resp.Error != nil))
	return resp
}

func toRPCError(raw any) *RPCError {
	m, ok := raw.(map[string]any)
	if !ok {
		return &RPCError{Code: gatewayerr.CodeInternalError, Message: "malformed upstream error"}
	}
	code, _ := m["code"].(float64)
	message, _ := m["message"].(string)
	return &RPCError{Code: int(code), Message: message, Data: m["data"]}
}

func errorResponse(version string, id any, kind gatewayerr.Kind, message string) *Response {
	return &Response{
		JSONRPC: version,
		ID:      id,
		Error:   &RPCError{Code: kind.Code(), Message: message},
	}
}

func errorFromErr(version string, id any, err error) *Response {
	ge, ok := gatewayerr.AsError(err)
	if !ok {
		return &Response{JSONRPC: version, ID: id, Error: &RPCError{Code: gatewayerr.CodeInternalError, Message: err.Error()}}
	}
	return &Response{
		JSONRPC: version,
		ID:      id,
		Error:   &RPCError{Code: ge.Kind.Code(), Message: ge.Message, Data: ge.Detail},
	}
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
