// Package connection implements the Connection Manager (C3, spec.md §4.3):
// it owns every agent duplex socket on this process and correlates
// request/response pairs sent over them.
//
// The read/write pump structure — one goroutine per direction, write
// serialization per socket, ping/pong liveness — is kept from the teacher's
// internal/websocket/client.go and generalized to carry {id,type,action,
// payload,error} frames in both directions instead of server-push-only
// Message frames, because this system needs a reply-bearing RPC
// (SendRequest) where the teacher's gRPC StreamJobs only ever pushed.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/auth"
	"github.com/homecast/relay/internal/metrics"
	"github.com/homecast/relay/internal/protocol"
	"github.com/homecast/relay/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second // spec.md §4.3: "every 30s send {type:ping,...}"
	maxMessageSize = 1 << 20          // 1MB — agent requests carry payload data, unlike listener pings
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pendingResult is what a SendRequest waiter receives once the reply
// arrives. It is delivered through a buffered, single-slot channel — the
// one-shot completion primitive spec.md §9 calls for ("valid from arbitrary
// contexts"); a Go channel already satisfies that because it is safe to
// send to or receive from from any goroutine, so no additional primitive is
// needed.
type pendingResult struct {
	payload json.RawMessage
	ferr    *protocol.FrameError
}

// AgentConn is one connected agent's socket plus its per-process metadata.
type AgentConn struct {
	agentID     string
	userID      uuid.UUID
	sessionID   string
	name        string
	conn        *websocket.Conn
	send        chan protocol.Frame
	connectedAt time.Time
	logger      *zap.Logger
	closeOnce   sync.Once
}

// EventHandler processes an agent-originated event frame (spec.md §4.3
// OnFrame "event" case), handed off to the Event Pipe by the owner of the
// Manager.
type EventHandler func(ctx context.Context, agentID string, userID uuid.UUID, frame protocol.Frame)

// ListenersActiveFunc reports whether userID currently has active
// listeners, consulted on every heartbeat tick (spec.md §4.3).
type ListenersActiveFunc func(ctx context.Context, userID uuid.UUID) (bool, error)

// Manager is the Connection Manager. One Manager exists per process.
type Manager struct {
	mu      sync.RWMutex
	agents  map[string]*AgentConn
	pending sync.Map // correlationID (string) -> chan pendingResult

	sessions       *session.Registry
	instanceID     string
	logger         *zap.Logger
	onEvent        EventHandler
	listenersFor   ListenersActiveFunc
	metrics        *metrics.Metrics
}

// New constructs a Manager. onEvent is called for every agent "event"
// frame; listenersFor backs the heartbeat's listenersActive computation.
// m may be nil.
func New(sessions *session.Registry, instanceID string, m *metrics.Metrics, logger *zap.Logger, onEvent EventHandler, listenersFor ListenersActiveFunc) *Manager {
	return &Manager{
		agents:       make(map[string]*AgentConn),
		sessions:     sessions,
		instanceID:   instanceID,
		logger:       logger,
		onEvent:      onEvent,
		listenersFor: listenersFor,
		metrics:      m,
	}
}

// Accept upgrades the HTTP request to a WebSocket, verifies token, and
// registers the resulting socket as agentID's connection (spec.md §4.3). On
// a duplicate agentID, the previous socket is closed with code 4002 before
// the new one is inserted. It blocks until the connection closes.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request, jwtMgr *auth.JWTManager, token, agentID, name string) error {
	claims, err := jwtMgr.ValidateAccessToken(token)
	if err != nil {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(protocol.CloseInvalidToken, "invalid token"),
				time.Now().Add(writeWait))
			_ = conn.Close()
		}
		return fmt.Errorf("connection: invalid token: %w", err)
	}

	userID, err := uuid.Parse(claims.UserID())
	if err != nil {
		return fmt.Errorf("connection: invalid token subject: %w", err)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("connection: upgrade: %w", err)
	}

	ac := &AgentConn{
		agentID:     agentID,
		userID:      userID,
		name:        name,
		conn:        conn,
		send:        make(chan protocol.Frame, sendBufferSize),
		connectedAt: time.Now(),
		logger:      m.logger.With(zap.String("agent_id", agentID), zap.String("remote_addr", r.RemoteAddr)),
	}

	m.mu.Lock()
	if prev, ok := m.agents[agentID]; ok {
		m.mu.Unlock()
		prev.closeWithCode(protocol.CloseReplaced, "replaced")
		m.mu.Lock()
	}
	m.agents[agentID] = ac
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ConnectedAgents.Inc()
	}

	sessionID, err := m.sessions.UpsertAgent(context.Background(), userID, m.instanceID, agentID, name)
	if err != nil {
		ac.logger.Error("connection: session upsert failed", zap.Error(err))
	}
	ac.sessionID = sessionID

	go ac.writePump()
	ac.readPump(m)

	m.mu.Lock()
	if m.agents[agentID] == ac {
		delete(m.agents, agentID)
		if m.metrics != nil {
			m.metrics.ConnectedAgents.Dec()
		}
	}
	m.mu.Unlock()

	if err := m.sessions.DeleteByAgent(context.Background(), agentID); err != nil {
		ac.logger.Warn("connection: session delete on disconnect failed", zap.Error(err))
	}

	return nil
}

// IsLocal reports whether agentID is connected to this process.
func (m *Manager) IsLocal(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[agentID]
	return ok
}

// ErrNotLocal is returned by SendRequest when agentID is not held on this
// process (spec.md §4.3: "fail NOT_LOCAL").
var ErrNotLocal = errors.New("connection: agent not local to this process")

// ErrTimeout is returned by SendRequest when the deadline elapses before a
// reply arrives.
var ErrTimeout = errors.New("connection: request timed out")

// SendRequest sends {action,payload} to agentID and waits for its reply, or
// ctx's deadline, whichever comes first (spec.md §4.3).
func (m *Manager) SendRequest(ctx context.Context, agentID, action string, payload json.RawMessage) (json.RawMessage, *protocol.FrameError, error) {
	m.mu.RLock()
	ac, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotLocal
	}

	correlationID := uuid.NewString()
	sink := make(chan pendingResult, 1)
	m.pending.Store(correlationID, sink)
	if m.metrics != nil {
		m.metrics.PendingCorrelations.Inc()
	}
	defer func() {
		m.pending.Delete(correlationID)
		if m.metrics != nil {
			m.metrics.PendingCorrelations.Dec()
		}
	}()

	frame := protocol.Frame{
		ID:      correlationID,
		Type:    protocol.FrameRequest,
		Action:  action,
		Payload: payload,
	}

	select {
	case ac.send <- frame:
	case <-ctx.Done():
		return nil, nil, ErrTimeout
	}

	select {
	case result := <-sink:
		return result.payload, result.ferr, nil
	case <-ctx.Done():
		return nil, nil, ErrTimeout
	}
}

// OnFrame dispatches a frame received from agentID's read loop (spec.md
// §4.3).
func (m *Manager) OnFrame(ctx context.Context, ac *AgentConn, frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameResponse:
		m.deliverResponse(ac, frame)
	case protocol.FramePong:
		if err := m.sessions.HeartbeatByAgent(ctx, ac.agentID); err != nil {
			ac.logger.Warn("connection: heartbeat refresh failed", zap.Error(err))
		}
	case protocol.FrameEvent:
		if m.onEvent != nil {
			m.onEvent(ctx, ac.agentID, ac.userID, frame)
		}
	case protocol.FrameStatus:
		ac.logger.Info("connection: agent status", zap.ByteString("payload", frame.Payload))
	default:
		ac.logger.Warn("connection: unknown frame type dropped", zap.String("type", string(frame.Type)))
	}
}

func (m *Manager) deliverResponse(ac *AgentConn, frame protocol.Frame) {
	v, ok := m.pending.Load(frame.ID)
	if !ok {
		ac.logger.Warn("connection: response for unknown or already-delivered correlation id dropped", zap.String("correlation_id", frame.ID))
		return
	}
	sink := v.(chan pendingResult)
	select {
	case sink <- pendingResult{payload: frame.Payload, ferr: frame.Error}:
	default:
		// Duplicate response — the slot was already filled and drained.
		ac.logger.Warn("connection: duplicate response dropped", zap.String("correlation_id", frame.ID))
	}
}

// Disconnect forcibly closes agentID's socket, if connected.
func (m *Manager) Disconnect(agentID string) {
	m.mu.RLock()
	ac, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ac.closeWithCode(websocket.CloseNormalClosure, "disconnected")
}

// BroadcastHeartbeat sends {type:ping,payload:{listenersActive}} to every
// connected agent (spec.md §4.3's 30s heartbeat). A send failure marks the
// agent disconnected.
func (m *Manager) BroadcastHeartbeat(ctx context.Context) {
	m.mu.RLock()
	agents := make([]*AgentConn, 0, len(m.agents))
	for _, ac := range m.agents {
		agents = append(agents, ac)
	}
	m.mu.RUnlock()

	for _, ac := range agents {
		active := false
		if m.listenersFor != nil {
			var err error
			active, err = m.listenersFor(ctx, ac.userID)
			if err != nil {
				ac.logger.Warn("connection: listenersActive lookup failed", zap.Error(err))
			}
		}
		payload, _ := json.Marshal(map[string]bool{"listenersActive": active})
		frame := protocol.Frame{Type: protocol.FramePing, Payload: payload}
		select {
		case ac.send <- frame:
		default:
			ac.logger.Warn("connection: heartbeat send buffer full, disconnecting")
			m.Disconnect(ac.agentID)
		}
	}
}

// SendConfig pushes a {type:"config"} frame directly to a locally-connected
// agent, used by the Web Client Hub to propagate listener-activity
// transitions (spec.md §4.6).
func (m *Manager) SendConfig(agentID, action string, payload json.RawMessage) bool {
	m.mu.RLock()
	ac, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	frame := protocol.Frame{Type: protocol.FrameConfig, Action: action, Payload: payload}
	select {
	case ac.send <- frame:
		return true
	default:
		return false
	}
}

// AgentIDsForUser returns the agentIDs of every locally-connected agent
// owned by userID.
func (m *Manager) AgentIDsForUser(userID uuid.UUID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, ac := range m.agents {
		if ac.userID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (ac *AgentConn) closeWithCode(code int, text string) {
	ac.closeOnce.Do(func() {
		_ = ac.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(writeWait))
		_ = ac.conn.Close()
	})
}

func (ac *AgentConn) readPump(m *Manager) {
	defer func() {
		ac.conn.Close()
	}()

	ac.conn.SetReadLimit(maxMessageSize)
	if err := ac.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		ac.logger.Warn("connection: failed to set read deadline", zap.Error(err))
		return
	}
	ac.conn.SetPongHandler(func(string) error {
		return ac.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ac.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				ac.logger.Warn("connection: unexpected close", zap.Error(err))
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			ac.logger.Warn("connection: malformed frame dropped", zap.Error(err))
			continue
		}
		m.OnFrame(context.Background(), ac, frame)
	}
}

func (ac *AgentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ac.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-ac.send:
			if err := ac.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				ac.logger.Warn("connection: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = ac.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ac.conn.WriteJSON(frame); err != nil {
				ac.logger.Warn("connection: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := ac.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				ac.logger.Warn("connection: failed to set write deadline", zap.Error(err))
				return
			}
			if err := ac.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ac.logger.Warn("connection: ping error", zap.Error(err))
				return
			}
		}
	}
}
