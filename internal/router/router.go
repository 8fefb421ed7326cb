// Package router implements the Cross-Instance Router (C4, spec.md §4.4):
// the single public entry point adapters call to reach an agent regardless
// of which process holds its socket.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/bus"
	"github.com/homecast/relay/internal/connection"
	"github.com/homecast/relay/internal/metrics"
	"github.com/homecast/relay/internal/protocol"
	"github.com/homecast/relay/internal/session"
	"github.com/homecast/relay/internal/slot"
)

// Code identifies a routing-failure tier (spec.md §7 tier 2), kept as a
// distinct type from the agent-reported taxonomy in internal/protocol so
// the relay's own routing failures are never confused with forwarded agent
// errors (SPEC_FULL.md §7 Open Question resolution).
type Code string

const (
	CodeAgentUnreachable Code = "AGENT_UNREACHABLE"
	CodeTimeout          Code = "TIMEOUT"
	CodeNoHandler        Code = "NO_HANDLER"
	CodeBusPublishFailed Code = "BUS_PUBLISH_FAILED"
)

// RouteError is the distinct error type surfacing routing failures,
// never reusing the agent error-code namespace (spec.md §7).
type RouteError struct {
	Code    Code
	Message string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("router: %s: %s", e.Code, e.Message)
}

func newRouteError(code Code, message string) *RouteError {
	return &RouteError{Code: code, Message: message}
}

type pendingRemote struct {
	payload json.RawMessage
	ferr    *protocol.FrameError
}

// Router is the single entry point: Route(agentID, action, payload, deadline).
type Router struct {
	connections *connection.Manager
	sessions    *session.Registry
	slots       *slot.Registry
	bus         bus.Bus
	instanceID  string
	topicPrefix string
	logger      *zap.Logger
	metrics     *metrics.Metrics

	// forceRemote makes Route take the bus path even for agents owned by
	// this instance, so the cross-instance path can be exercised without
	// running multiple processes (spec.md §6.4, config.ForceBus).
	forceRemote bool

	pending sync.Map // correlationID -> chan pendingRemote
}

// New constructs a Router from its dependencies. m may be nil.
func New(
	connections *connection.Manager,
	sessions *session.Registry,
	slots *slot.Registry,
	b bus.Bus,
	instanceID, topicPrefix string,
	forceRemote bool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Router {
	return &Router{
		connections: connections,
		sessions:    sessions,
		slots:       slots,
		bus:         b,
		instanceID:  instanceID,
		topicPrefix: topicPrefix,
		forceRemote: forceRemote,
		metrics:     m,
		logger:      logger,
	}
}

func (r *Router) countRoute(locality, outcome string) {
	if r.metrics != nil {
		r.metrics.RoutedRequestsTotal.WithLabelValues(locality, outcome).Inc()
	}
}

// Route implements spec.md §4.4 steps 1-5.
func (r *Router) Route(ctx context.Context, agentID, action string, payload json.RawMessage) (json.RawMessage, error) {
	owningInstance, err := r.sessions.AgentLocation(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("router: agent location lookup: %w", err)
	}
	if owningInstance == "" {
		return nil, newRouteError(CodeAgentUnreachable, "no live session for agent")
	}

	if owningInstance == r.instanceID && !r.forceRemote {
		respPayload, ferr, err := r.connections.SendRequest(ctx, agentID, action, payload)
		if err != nil {
			if errors.Is(err, connection.ErrTimeout) {
				r.countRoute("local", "timeout")
				return nil, newRouteError(CodeTimeout, "local request timed out")
			}
			if errors.Is(err, connection.ErrNotLocal) {
				r.countRoute("local", "unreachable")
				return nil, newRouteError(CodeAgentUnreachable, "agent disconnected during routing")
			}
			r.countRoute("local", "error")
			return nil, fmt.Errorf("router: local send request: %w", err)
		}
		if ferr != nil {
			r.countRoute("local", "agent_error")
			return nil, &protocol.FrameError{Code: ferr.Code, Message: ferr.Message}
		}
		r.countRoute("local", "ok")
		return respPayload, nil
	}

	respPayload, err := r.routeRemote(ctx, owningInstance, agentID, action, payload)
	if err != nil {
		var routeErr *RouteError
		if errors.As(err, &routeErr) {
			r.countRoute("remote", string(routeErr.Code))
		} else {
			r.countRoute("remote", "error")
		}
		return nil, err
	}
	r.countRoute("remote", "ok")
	return respPayload, nil
}

func (r *Router) routeRemote(ctx context.Context, owningInstance, agentID, action string, payload json.RawMessage) (json.RawMessage, error) {
	targetSlot, err := r.slots.LookupSlotByInstance(ctx, owningInstance)
	if err != nil {
		return nil, fmt.Errorf("router: slot lookup: %w", err)
	}
	if targetSlot == "" {
		return nil, newRouteError(CodeAgentUnreachable, "owning instance has no active slot")
	}
	targetTopic := protocol.Topic(r.topicPrefix, targetSlot)

	selfSlot, err := r.slots.LookupSlotByInstance(ctx, r.instanceID)
	if err != nil {
		return nil, fmt.Errorf("router: self slot lookup: %w", err)
	}
	if selfSlot == "" {
		return nil, newRouteError(CodeBusPublishFailed, "local instance holds no slot to receive a reply on")
	}

	correlationID := uuid.NewString()
	sink := make(chan pendingRemote, 1)
	r.pending.Store(correlationID, sink)
	defer r.pending.Delete(correlationID)

	frame := protocol.BusFrame{
		Type:          protocol.BusRequest,
		CorrelationID: correlationID,
		SourceSlot:    selfSlot,
		AgentID:       agentID,
		Action:        action,
		Payload:       payload,
	}
	if err := r.bus.Publish(ctx, targetTopic, frame); err != nil {
		return nil, newRouteError(CodeBusPublishFailed, err.Error())
	}

	select {
	case result := <-sink:
		if result.ferr != nil {
			return nil, &protocol.FrameError{Code: result.ferr.Code, Message: result.ferr.Message}
		}
		return result.payload, nil
	case <-ctx.Done():
		return nil, newRouteError(CodeTimeout, "remote request timed out")
	}
}

// Subscribe runs the router's own subscription loop on selfSlot's topic,
// handling incoming "request" frames (forwarded to this process's
// Connection Manager) and "response" frames (delivered to a waiting
// routeRemote caller). It blocks until ctx is cancelled.
func (r *Router) Subscribe(ctx context.Context, selfTopic string) error {
	return r.bus.Subscribe(ctx, selfTopic, r.handleBusFrame)
}

func (r *Router) handleBusFrame(ctx context.Context, frame protocol.BusFrame) error {
	switch frame.Type {
	case protocol.BusRequest:
		r.handleRemoteRequest(ctx, frame)
		return nil
	case protocol.BusResponse:
		r.deliverRemoteResponse(frame)
		return nil
	default:
		// listeners_changed and event frames are handled by webhub/eventpipe
		// subscriptions on their own topics, not the router's; seeing one
		// here would indicate a topic misconfiguration.
		r.logger.Warn("router: unexpected bus frame type on request topic", zap.String("type", string(frame.Type)))
		return nil
	}
}

func (r *Router) handleRemoteRequest(ctx context.Context, frame protocol.BusFrame) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	respPayload, ferr, err := r.connections.SendRequest(reqCtx, frame.AgentID, frame.Action, frame.Payload)

	reply := protocol.BusFrame{
		Type:          protocol.BusResponse,
		CorrelationID: frame.CorrelationID,
	}
	switch {
	case err != nil && errors.Is(err, connection.ErrNotLocal):
		reply.Error = &protocol.FrameError{Code: string(CodeNoHandler), Message: "agent not local to this process"}
	case err != nil && errors.Is(err, connection.ErrTimeout):
		reply.Error = &protocol.FrameError{Code: string(CodeTimeout), Message: "local dispatch timed out"}
	case err != nil:
		reply.Error = &protocol.FrameError{Code: string(CodeNoHandler), Message: err.Error()}
	case ferr != nil:
		reply.Error = ferr
	default:
		reply.Payload = respPayload
	}

	sourceTopic := protocol.Topic(r.topicPrefix, frame.SourceSlot)
	if err := r.bus.Publish(ctx, sourceTopic, reply); err != nil {
		r.logger.Warn("router: failed publishing response", zap.Error(err), zap.String("correlation_id", frame.CorrelationID))
	}
}

func (r *Router) deliverRemoteResponse(frame protocol.BusFrame) {
	v, ok := r.pending.Load(frame.CorrelationID)
	if !ok {
		// Either delivered already or the caller's deadline already expired
		// and discarded the sink — both are fine per spec.md §4.4 ("the
		// remote may still produce a response after timeout; discarded").
		return
	}
	sink := v.(chan pendingRemote)
	select {
	case sink <- pendingRemote{payload: frame.Payload, ferr: frame.Error}:
	default:
	}
}
