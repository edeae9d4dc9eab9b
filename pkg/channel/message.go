package channel

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags every envelope on the wire. The set is closed: inbound
// messages with any other type are logged and dropped.
type MessageType string

const (
	TypeHeartbeat           MessageType = "heartbeat"
	TypeHeartbeatAck        MessageType = "heartbeat_ack"
	TypeCommand             MessageType = "command"
	TypeCoordinatorUpdate   MessageType = "coordinator_update"
	TypeNotification        MessageType = "server_notification"
	TypeHealthCheckRequest  MessageType = "health_check_request"
	TypeHealthCheckResponse MessageType = "health_check_response"
	TypeStatus              MessageType = "status"
	TypeEvent               MessageType = "event"
)

// Priority orders the outbound queue. Higher values flush first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// Message is the wire envelope
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Priority  Priority        `json:"priority"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with payload encoded as JSON. The id is
// assigned on Send when left empty.
func NewMessage(typ MessageType, priority Priority, payload interface{}) (*Message, error) {
	msg := &Message{Type: typ, Priority: priority}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message %s has no payload", m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Command is the payload of TypeCommand
type Command struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// CoordinatorUpdate is the payload of TypeCoordinatorUpdate and TypeEvent
type CoordinatorUpdate struct {
	Event  string                 `json:"event"`
	RunID  string                 `json:"run_id,omitempty"`
	ItemID int                    `json:"item_id,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Notification is the payload of TypeNotification
type Notification struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// HealthCheckResponse answers a TypeHealthCheckRequest
type HealthCheckResponse struct {
	RequestID string                 `json:"request_id"`
	Liveness  map[string]interface{} `json:"liveness"`
}
