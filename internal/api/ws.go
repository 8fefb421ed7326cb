package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// handleAgentSocket upgrades to the agent duplex socket (spec.md §6.5 "WS
// /ws"). The agent authenticates via a bearer token and identifies itself
// via agentId/name query parameters, matching the teacher's query-param
// handshake convention for its own agent socket endpoint.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	agentID := r.URL.Query().Get("agentId")
	name := r.URL.Query().Get("name")
	if token == "" || agentID == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "token and agentId are required")
		return
	}

	if err := s.connections.Accept(w, r, s.jwt, token, agentID, name); err != nil {
		s.logger.Warn("api: agent socket accept failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// handleListenerSocket upgrades to the web listener socket (spec.md §6.5
// "WS /ws/web"). A bearer token in the query string authenticates the
// listener directly, since browsers cannot set arbitrary headers on a
// WebSocket upgrade request.
func (s *Server) handleListenerSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	name := r.URL.Query().Get("name")
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "token is required")
		return
	}

	claims, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
		return
	}
	userID, err := uuid.Parse(claims.UserID())
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token subject")
		return
	}

	instanceID := s.instanceID()
	if err := s.hub.Accept(r.Context(), w, r, userID, instanceID, name, s.logger); err != nil {
		s.logger.Warn("api: listener socket accept failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}
