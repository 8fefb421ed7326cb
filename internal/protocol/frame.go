// Package protocol defines the wire shapes shared by the Connection Manager,
// the Cross-Instance Router, and the Bus Adapter: the agent duplex frame
// envelope (§6.1), the inter-process bus frames (§6.2), the listener socket
// protocol (§6.3), and the agent-reported error taxonomy.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the kind of payload carried by a Frame.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameStatus   FrameType = "status"
	FrameConfig   FrameType = "config"
)

// Frame is the envelope exchanged over the agent duplex socket (§6.1).
// ID correlates a request with its response on that one socket; Error is
// populated only on a failed response.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    FrameType       `json:"type"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the shape of Frame.Error on a failed response (§6.1). It
// implements error so an agent-reported failure can be returned and
// inspected with errors.As alongside router.RouteError (spec.md §7 tiers
// 2 and 3 stay distinct types but both satisfy the error interface).
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Agent-reported error codes (§6.1). The relay never manufactures these —
// they are forwarded verbatim from the agent's response frames. The relay's
// own routing failures use the distinct codes in ErrAgentUnreachable et al.
// (see internal/router), never these.
const (
	ErrInvalidRequest           = "INVALID_REQUEST"
	ErrUnknownAction            = "UNKNOWN_ACTION"
	ErrHomeNotFound             = "HOME_NOT_FOUND"
	ErrRoomNotFound             = "ROOM_NOT_FOUND"
	ErrAccessoryNotFound        = "ACCESSORY_NOT_FOUND"
	ErrSceneNotFound            = "SCENE_NOT_FOUND"
	ErrCharacteristicNotFound   = "CHARACTERISTIC_NOT_FOUND"
	ErrCharacteristicNotWritable = "CHARACTERISTIC_NOT_WRITABLE"
	ErrAccessoryUnreachable     = "ACCESSORY_UNREACHABLE"
	ErrInvalidValue             = "INVALID_VALUE"
	ErrHomeKitError             = "HOMEKIT_ERROR"
	ErrInternalError            = "INTERNAL_ERROR"
)

// Close codes sent on the agent duplex socket (§6.1).
const (
	CloseMissingToken = 4000
	CloseInvalidToken = 4001
	CloseReplaced     = 4002
)

// ListenerFrameType identifies frames on the listener (web client) socket (§6.3).
type ListenerFrameType string

const (
	ListenerPing                 ListenerFrameType = "ping"
	ListenerPong                 ListenerFrameType = "pong"
	ListenerCharacteristicUpdate ListenerFrameType = "characteristic_update"
)

// ListenerFrame is a server- or client-initiated frame on the listener socket.
type ListenerFrame struct {
	Type               ListenerFrameType `json:"type"`
	AccessoryID        string            `json:"accessoryId,omitempty"`
	CharacteristicType string            `json:"characteristicType,omitempty"`
	Value              any               `json:"value,omitempty"`
}
