// Package eventpipe implements the Event Pipe (C7, spec.md §4.7): the path
// an agent-originated characteristic-update event takes to reach every
// listener socket for its owning user, both on this process and on every
// other process in the fleet.
package eventpipe

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/bus"
	"github.com/homecast/relay/internal/protocol"
	"github.com/homecast/relay/internal/webhub"
)

// eventsTopic is the single bus topic events are tagged-and-fanned-out on.
// Every process subscribes to it once at startup; BroadcastToUser is a
// local no-op for users with no listeners on this process, so there is no
// need for per-user subscribe/unsubscribe churn.
const eventsTopic = "events"

// Pipe fans an agent event out to local listeners and publishes it to the
// bus so every other process's Pipe can fan it out to its own listeners.
type Pipe struct {
	hub         *webhub.Hub
	bus         bus.Bus
	topicPrefix string
	logger      *zap.Logger
}

// New constructs a Pipe.
func New(hub *webhub.Hub, b bus.Bus, topicPrefix string, logger *zap.Logger) *Pipe {
	return &Pipe{hub: hub, bus: b, topicPrefix: topicPrefix, logger: logger}
}

// eventPayload is the shape agents send inside a FrameEvent's payload
// (spec.md §4.7: accessoryID, characteristicType, value).
type eventPayload struct {
	AccessoryID        string `json:"accessoryID"`
	CharacteristicType string `json:"characteristicType"`
	Value              any    `json:"value"`
}

// HandleAgentEvent is registered as the Connection Manager's EventHandler
// (spec.md §4.7 steps 1-3). It decodes the event frame, broadcasts it to
// this process's local listeners for userID, and publishes it on the
// shared events topic tagged with userID so other processes' Pipes do the
// same for their own local listeners. Duplicate suppression is not
// required: events are idempotent state-refresh signals.
func (p *Pipe) HandleAgentEvent(ctx context.Context, agentID string, userID uuid.UUID, frame protocol.Frame) {
	var ev eventPayload
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		p.logger.Warn("eventpipe: malformed event payload dropped",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	p.hub.BroadcastToUser(userID, protocol.ListenerFrame{
		Type:               protocol.ListenerCharacteristicUpdate,
		AccessoryID:        ev.AccessoryID,
		CharacteristicType: ev.CharacteristicType,
		Value:              ev.Value,
	})

	busFrame := protocol.BusFrame{
		Type:               protocol.BusEvent,
		UserID:             userID.String(),
		AccessoryID:        ev.AccessoryID,
		CharacteristicType: ev.CharacteristicType,
		Value:              ev.Value,
	}
	if err := p.bus.Publish(ctx, protocol.Topic(p.topicPrefix, eventsTopic), busFrame); err != nil {
		p.logger.Warn("eventpipe: bus publish failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Subscribe runs the Pipe's bus subscription for the shared events topic,
// delivering remotely-originated events to this process's local listeners.
// It blocks until ctx is cancelled; call it once at startup.
func (p *Pipe) Subscribe(ctx context.Context) error {
	topic := protocol.Topic(p.topicPrefix, eventsTopic)
	if err := p.bus.EnsureTopic(ctx, topic); err != nil {
		return err
	}
	return p.bus.Subscribe(ctx, topic, func(ctx context.Context, frame protocol.BusFrame) error {
		if frame.Type != protocol.BusEvent {
			return nil
		}
		userID, err := uuid.Parse(frame.UserID)
		if err != nil {
			p.logger.Warn("eventpipe: malformed user id on bus event", zap.String("user_id", frame.UserID))
			return nil
		}
		p.hub.BroadcastToUser(userID, protocol.ListenerFrame{
			Type:               protocol.ListenerCharacteristicUpdate,
			AccessoryID:        frame.AccessoryID,
			CharacteristicType: frame.CharacteristicType,
			Value:              frame.Value,
		})
		return nil
	})
}
