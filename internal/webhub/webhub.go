// Package webhub implements the Web Client Hub (C6, spec.md §4.6): it owns
// every listener socket on this process, keyed by sessionID/userID, tracks
// each listener in the Session Registry, and notifies a user's agents
// whenever their active-listener count crosses zero in either direction.
//
// The single-writer event-loop design — register/unregister serialized
// through channels, broadcast copying the target set under RLock then
// sending outside the lock — is adapted directly from the teacher's
// internal/websocket/hub.go, generalized from topic-keyed pub/sub to a
// per-user listener registry.
package webhub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/bus"
	"github.com/homecast/relay/internal/connection"
	"github.com/homecast/relay/internal/metrics"
	"github.com/homecast/relay/internal/protocol"
	"github.com/homecast/relay/internal/session"
)

// listenersChangedTopic is the single shared bus topic listeners_changed
// notifications are published to; every process subscribes to it once at
// startup via SubscribeListenersChanged.
const listenersChangedTopic = "listeners-changed"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// listenersChangedPayload is the shape of the config frame's payload when
// notifying agents of an active-listener transition (spec.md §4.6).
type listenersChangedPayload struct {
	ListenersActive bool `json:"listenersActive"`
}

// Client is one connected listener socket.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan protocol.ListenerFrame
	userID    uuid.UUID
	sessionID string
	logger    *zap.Logger
}

// Hub is the Web Client Hub. One Hub exists per process.
type Hub struct {
	clients map[*Client]struct{}
	byUser  map[uuid.UUID]map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client

	sessions    *session.Registry
	connections *connection.Manager
	bus         bus.Bus
	topicPrefix string
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New creates an idle Hub. Call Run in a goroutine to start it. m may be nil.
func New(sessions *session.Registry, connections *connection.Manager, b bus.Bus, topicPrefix string, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		byUser:      make(map[uuid.UUID]map[*Client]struct{}),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		sessions:    sessions,
		connections: connections,
		bus:         b,
		topicPrefix: topicPrefix,
		metrics:     m,
		logger:      logger,
	}
}

// Run starts the hub's event loop; it must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			if h.byUser[c.userID] == nil {
				h.byUser[c.userID] = make(map[*Client]struct{})
			}
			h.byUser[c.userID][c] = struct{}{}
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.ConnectedListeners.Inc()
			}

		case c := <-h.unregister:
			h.mu.Lock()
			removed := false
			if _, ok := h.clients[c]; ok {
				removed = true
				delete(h.clients, c)
				delete(h.byUser[c.userID], c)
				if len(h.byUser[c.userID]) == 0 {
					delete(h.byUser, c.userID)
				}
				close(c.send)
			}
			h.mu.Unlock()
			if removed && h.metrics != nil {
				h.metrics.ConnectedListeners.Dec()
			}

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]struct{})
			h.byUser = make(map[uuid.UUID]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Accept upgrades the request to a listener socket for userID (spec.md
// §4.6 steps 1-3), registers it, and blocks serving it until it disconnects.
// The caller (internal/api, via internal/scope middleware) has already
// authenticated the request; name is a client-supplied label stored on the
// session row.
func (h *Hub) Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, userID uuid.UUID, instanceID, name string, logger *zap.Logger) error {
	had, err := h.sessions.UserHasActiveListeners(ctx, userID)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sessionID, err := h.sessions.UpsertListener(ctx, userID, instanceID, name)
	if err != nil {
		conn.Close()
		return err
	}

	c := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan protocol.ListenerFrame, sendBufferSize),
		userID:    userID,
		sessionID: sessionID,
		logger:    logger.With(zap.String("remote_addr", r.RemoteAddr), zap.String("user_id", userID.String())),
	}

	h.register <- c
	if !had {
		h.notifyListenersChanged(ctx, userID, true)
	}

	go c.writePump()
	c.readPump()

	h.unregister <- c
	if delErr := h.sessions.Delete(ctx, sessionID); delErr != nil {
		logger.Warn("webhub: failed to delete listener session", zap.Error(delErr))
	}
	stillHas, err := h.sessions.UserHasActiveListeners(ctx, userID)
	if err != nil {
		logger.Warn("webhub: failed to recheck active listeners on disconnect", zap.Error(err))
		return nil
	}
	if !stillHas {
		h.notifyListenersChanged(ctx, userID, false)
	}
	return nil
}

// notifyListenersChanged implements spec.md §4.6's transition notification:
// writes directly on every local agent socket owned by userID, and
// publishes a bus frame so remote-process agent sockets receive it too.
func (h *Hub) notifyListenersChanged(ctx context.Context, userID uuid.UUID, active bool) {
	payload, err := json.Marshal(listenersChangedPayload{ListenersActive: active})
	if err != nil {
		h.logger.Error("webhub: failed to marshal listeners_changed payload", zap.Error(err))
		return
	}

	for _, agentID := range h.connections.AgentIDsForUser(userID) {
		if !h.connections.SendConfig(agentID, "listeners_changed", payload) {
			h.logger.Warn("webhub: failed to deliver listeners_changed to local agent", zap.String("agent_id", agentID))
		}
	}

	frame := protocol.BusFrame{
		Type:   protocol.BusListenersChanged,
		UserID: userID.String(),
		Active: active,
	}
	topic := protocol.Topic(h.topicPrefix, listenersChangedTopic)
	if err := h.bus.Publish(ctx, topic, frame); err != nil {
		h.logger.Warn("webhub: bus publish of listeners_changed failed", zap.Error(err))
	}
}

// BroadcastToUser sends frame to every local listener owned by userID
// (spec.md §4.6). On a per-socket send failure, that socket is scheduled
// for disconnect.
func (h *Hub) BroadcastToUser(userID uuid.UUID, frame protocol.ListenerFrame) {
	h.mu.RLock()
	targets := h.byUser[userID]
	clients := make([]*Client, 0, len(targets))
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- frame:
		default:
			h.unregister <- c
		}
	}
}

// ConnectedCount returns the total number of connected listener sockets.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("webhub: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("webhub: unexpected close", zap.Error(err))
			}
			return
		}

		var frame protocol.ListenerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("webhub: malformed frame dropped", zap.Error(err))
			continue
		}
		if frame.Type == protocol.ListenerPing {
			if err := c.hub.sessions.Heartbeat(context.Background(), c.sessionID); err != nil {
				c.logger.Warn("webhub: heartbeat refresh failed", zap.Error(err))
			}
			select {
			case c.send <- protocol.ListenerFrame{Type: protocol.ListenerPong}:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("webhub: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Warn("webhub: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("webhub: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("webhub: ping error", zap.Error(err))
				return
			}
		}
	}
}

// SubscribeListenersChanged runs this process's subscription to the shared
// listeners_changed topic, delivering remotely-originated transitions to
// any of this process's local agent sockets for the named user. It blocks
// until ctx is cancelled; call it once at startup.
func (h *Hub) SubscribeListenersChanged(ctx context.Context) error {
	topic := protocol.Topic(h.topicPrefix, listenersChangedTopic)
	if err := h.bus.EnsureTopic(ctx, topic); err != nil {
		return err
	}
	return h.bus.Subscribe(ctx, topic, func(ctx context.Context, frame protocol.BusFrame) error {
		if frame.Type != protocol.BusListenersChanged {
			return nil
		}
		userID, err := uuid.Parse(frame.UserID)
		if err != nil {
			h.logger.Warn("webhub: malformed user id on listeners_changed frame", zap.String("user_id", frame.UserID))
			return nil
		}
		agentIDs := h.connections.AgentIDsForUser(userID)
		if len(agentIDs) == 0 {
			return nil
		}
		payload, err := json.Marshal(listenersChangedPayload{ListenersActive: frame.Active})
		if err != nil {
			return err
		}
		for _, agentID := range agentIDs {
			h.connections.SendConfig(agentID, "listeners_changed", payload)
		}
		return nil
	})
}
