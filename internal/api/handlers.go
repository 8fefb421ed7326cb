package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/homecast/relay/internal/protocol"
	"github.com/homecast/relay/internal/router"
	"github.com/homecast/relay/internal/scope"
)

// routeRequest is the envelope both adapter mounts decode: a target agent,
// the tool-protocol action it should perform, and an opaque payload. The
// exact shape of payload is a domain-specific concern of the graph-query
// and tool-protocol surfaces (spec.md §1 Out-of-scope) — the relay only
// ever threads it through to Route unopened.
type routeRequest struct {
	AgentID string          `json:"agentID"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type routeErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleGraphQuery is the relay-side half of the graph-query adapter
// (spec.md §6.5): it forwards the decoded request to Route and relays the
// result or typed error back as JSON.
func (s *Server) handleGraphQuery(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if req.AgentID == "" || req.Action == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "agentID and action are required")
		return
	}

	ctx, cancel := routeContext(r.Context())
	defer cancel()

	sw := newSpliceResponseWriter(w, s.stateSnapshotFunc(req.AgentID), ctx, s.logger)
	payload, err := s.router.Route(ctx, req.AgentID, req.Action, req.Payload)
	s.writeRouteResult(sw, payload, err)
	sw.Close()
}

// handleToolProtocol is the relay-side half of the tool-protocol adapter,
// mounted under both {homePrefix} and {userPrefix} behind the Scope
// Router's auth gate (spec.md §4.8, §6.5). The bound scope is available
// via scope.FromContext for adapters layered on top; the relay itself
// only needs agentID/action/payload to route.
func (s *Server) handleToolProtocol(w http.ResponseWriter, r *http.Request) {
	if _, ok := scope.FromContext(r.Context()); !ok {
		s.logger.Error("api: tool protocol handler reached without bound scope")
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "scope not bound")
		return
	}

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	if req.AgentID == "" || req.Action == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "agentID and action are required")
		return
	}

	ctx, cancel := routeContext(r.Context())
	defer cancel()

	sw := newSpliceResponseWriter(w, s.stateSnapshotFunc(req.AgentID), ctx, s.logger)
	payload, err := s.router.Route(ctx, req.AgentID, req.Action, req.Payload)
	s.writeRouteResult(sw, payload, err)
	sw.Close()
}

// stateSnapshotFunc returns a StateFunc that re-routes a "state.snapshot"
// request to agentID, used by spliceResponseWriter to fill in a
// "__STATE_SNAPSHOT__" placeholder found in the primary response body
// (spec.md §4.8 last paragraph).
func (s *Server) stateSnapshotFunc(agentID string) StateFunc {
	return func(ctx context.Context) (any, error) {
		return s.router.Route(ctx, agentID, "state.snapshot", nil)
	}
}

// writeRouteResult maps a Route outcome onto spec.md §7's three error tiers:
// a *router.RouteError becomes a routing-failure response, a
// *protocol.FrameError is forwarded verbatim, and any other error is an
// unexpected internal failure.
func (s *Server) writeRouteResult(w http.ResponseWriter, payload json.RawMessage, err error) {
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if len(payload) == 0 {
			_, _ = w.Write([]byte("{}"))
			return
		}
		_, _ = w.Write(payload)
		return
	}

	var routeErr *router.RouteError
	if errors.As(err, &routeErr) {
		status := http.StatusBadGateway
		switch routeErr.Code {
		case router.CodeTimeout:
			status = http.StatusGatewayTimeout
		case router.CodeAgentUnreachable:
			status = http.StatusServiceUnavailable
		}
		writeJSONError(w, status, string(routeErr.Code), routeErr.Message)
		return
	}

	var frameErr *protocol.FrameError
	if errors.As(err, &frameErr) {
		writeJSONError(w, http.StatusUnprocessableEntity, frameErr.Code, frameErr.Message)
		return
	}

	s.logger.Error("api: unexpected route error", zap.Error(err))
	writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "routing failed")
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]routeErrorBody{"error": {Code: code, Message: message}})
}
