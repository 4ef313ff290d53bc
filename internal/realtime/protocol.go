// Package realtime provides the connection registry, room broadcaster and
// wire protocol for real-time collaboration delivery.
package realtime

import (
	"encoding/json"
	"time"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Server -> client event types.
const (
	EventConnectionEstablished = "connection_established"
	EventOptimisticUpdate      = "optimistic_update"
	EventUpdateConfirmed       = "update_confirmed"
	EventUpdateRollback        = "update_rollback"
	EventConflictDetected      = "conflict_detected"
	EventParticipantJoined     = "participant_joined"
	EventParticipantLeft       = "participant_left"
	EventCursorUpdate          = "cursor_update"
	EventHeartbeatAck          = "heartbeat_ack"
	EventError                 = "error"
)

// Client -> server message types.
const (
	MsgHeartbeat   = "heartbeat"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgGetStats    = "get_stats"
)

// RoomGlobal is the room every global-scope role is auto-subscribed to.
const RoomGlobal = "global"

// PropertyRoom returns the room id scoping delivery to one property.
func PropertyRoom(propertyID string) string {
	return "property-" + propertyID
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(eventType string, data map[string]interface{}) Envelope {
	return Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Marshal serializes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
