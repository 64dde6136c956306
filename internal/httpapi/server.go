// Package httpapi exposes the gateway's four-route HTTP surface:
// session creation, the per-session JSON-RPC endpoint, session
// lookup, and a health check.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mcphub/gateway/internal/gatewayerr"
	"github.com/mcphub/gateway/internal/protocol"
	"github.com/mcphub/gateway/internal/session"
)

// Server wires the gateway's HTTP surface to the Session Manager and
// Protocol Handler.
type Server struct {
	router    chi.Router
	sessions  *session.Manager
	protocol  *protocol.Handler
	logger    *zap.Logger
	validator *validator.Validate
}

// New builds a Server. Call Router to obtain the http.Handler to
// serve.
func New(sessions *session.Manager, proto *protocol.Handler, logger *zap.Logger) *Server {
	s := &Server{
		sessions:  sessions,
		protocol:  proto,
		logger:    logger,
		validator: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/create-session", s.handleCreateSession)
	r.Post("/session/{id}/mcp", s.handleMCP)
	r.Get("/sessions/{id}", s.handleGetSession)
	r.Get("/health", s.handleHealth)

	s.router = r
	return s
}

// Router returns the http.Handler serving the gateway's routes.
func (s *Server) Router() http.Handler { return s.router }

type createSessionRequest struct {
	Servers     []string                  `json:"servers" validate:"required,min=1,dive,required"`
	Credentials map[string]map[string]any `json:"credentials"`
}

type createSessionResponse struct {
	SessionID   string `json:"session_id"`
	MCPEndpoint string `json:"mcp_endpoint"`
	Status      string `json:"status"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	rec, err := s.sessions.CreateSession(r.Context(), req.Servers, req.Credentials)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:   rec.ID,
		MCPEndpoint: "/session/" + rec.ID + "/mcp",
		Status:      "created",
	})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusOK, protocol.Response{
			JSONRPC: "2.0",
			Error:   &protocol.RPCError{Code: gatewayerr.CodeInvalidRequest, Message: "invalid JSON-RPC body: " + err.Error()},
		})
		return
	}

	resp := s.protocol.HandleRequest(r.Context(), sessionID, body)
	s.writeJSON(w, http.StatusOK, resp)
}

type sessionView struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Servers   []string  `json:"servers"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	rec, err := s.sessions.GetSessionRecord(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	view := sessionView{
		ID:        sessionID,
		State:     string(rec.State),
		Servers:   safeServerNames(rec.ServersJSON),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}

	s.writeJSON(w, http.StatusOK, view)
}

// safeServerNames best-effort decodes a SessionRecord's servers_json
// into the list of provider names it names. A corrupt or missing blob
// yields an empty list rather than an error, matching the persisted
// record being the source of truth even when runtime state can't be
// rebuilt (e.g. a session in state=failed, or an unreachable provider).
func safeServerNames(serversJSON string) []string {
	var snapshots []session.ProviderSnapshot
	if err := json.Unmarshal([]byte(serversJSON), &snapshots); err != nil {
		return []string{}
	}
	names := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		names = append(names, snap.Name)
	}
	return names
}

// handleHealth verifies the registry is loaded and the session store
// is reachable, mirroring the original gateway controller's health
// check rather than returning a static 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if providers := s.sessions.ListProviders(); providers == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "registry not loaded"})
		return
	}

	if err := s.sessions.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"detail": message})
}
