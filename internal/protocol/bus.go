package protocol

import "encoding/json"

// BusFrameType identifies the tagged union carried on the inter-process bus
// (§6.2). Each slot's stream carries a mix of these, discriminated by Type.
type BusFrameType string

const (
	BusRequest          BusFrameType = "request"
	BusResponse         BusFrameType = "response"
	BusEvent            BusFrameType = "event"
	BusListenersChanged BusFrameType = "listeners_changed"
)

// BusFrame is the envelope published on a slot's topic. Only the fields
// relevant to Type are populated; the rest are left zero.
//
//	{type:"request", correlationID, sourceSlot, agentID, action, payload}
//	{type:"response", correlationID, payload} | {type:"response", correlationID, error}
//	{type:"event", userID, accessoryID, characteristicType, value}
//	{type:"listeners_changed", userID, active}
type BusFrame struct {
	Type          BusFrameType    `json:"type"`
	CorrelationID string          `json:"correlationID,omitempty"`
	SourceSlot    string          `json:"sourceSlot,omitempty"`
	AgentID       string          `json:"agentID,omitempty"`
	Action        string          `json:"action,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *FrameError     `json:"error,omitempty"`

	UserID             string `json:"userID,omitempty"`
	AccessoryID        string `json:"accessoryID,omitempty"`
	CharacteristicType string `json:"characteristicType,omitempty"`
	Value              any    `json:"value,omitempty"`

	Active bool `json:"active,omitempty"`
}

// Topic returns the bus topic name for a given slot, namespaced by prefix
// (§6.2: "Topics are {prefix}-{slotName}").
func Topic(prefix, slotName string) string {
	if prefix == "" {
		return slotName
	}
	return prefix + "-" + slotName
}
