package types

import (
	"encoding/json"
	"time"
)

// MessageType identifies a wire envelope over the duplex channel.
type MessageType string

const (
	MessageComponentMount MessageType = "component_mount"
	MessageStateUpdate    MessageType = "state_update"
	MessageMethodCall     MessageType = "method_call"
	MessageFunctionResult MessageType = "function_result"
	MessageFunctionError  MessageType = "function_error"
	MessageSyncRequest    MessageType = "sync_request"
	MessageHeartbeat      MessageType = "heartbeat"
	MessageHeartbeatAck   MessageType = "heartbeat_ack"
	MessageError          MessageType = "error"
	MessageEvent          MessageType = "event"
	MessageBroadcast      MessageType = "broadcast"
)

// Message is the JSON envelope exchanged over the duplex channel. Responses
// answering a specific request carry ReplyTo.
type Message struct {
	ID          string          `json:"id"`
	Type        MessageType     `json:"type"`
	ComponentID string          `json:"componentId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReplyTo     string          `json:"replyTo,omitempty"`
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// SetPayload marshals v into the payload.
func (m *Message) SetPayload(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.Payload = data
	return nil
}

// MethodCallPayload is the payload of a method_call envelope.
type MethodCallPayload struct {
	ComponentType string         `json:"componentType"`
	Method        string         `json:"method"`
	Params        []any          `json:"params,omitempty"`
	Props         map[string]any `json:"props,omitempty"`
	State         map[string]any `json:"state,omitempty"`
	Fingerprint   string         `json:"fingerprint,omitempty"`
	ClientID      string         `json:"clientId,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	ParentID      string         `json:"parentId,omitempty"`
}

// MountPayload is the payload of a component_mount envelope.
type MountPayload struct {
	ComponentType string         `json:"componentType"`
	Props         map[string]any `json:"props,omitempty"`
	State         map[string]any `json:"state,omitempty"`
	ClientID      string         `json:"clientId,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	ParentID      string         `json:"parentId,omitempty"`
}

// StateUpdatePayload is the payload of a state_update envelope in either
// direction. Base carries the client's last-synced state for reconciliation.
type StateUpdatePayload struct {
	State       map[string]any `json:"state,omitempty"`
	Base        map[string]any `json:"base,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
}

// SyncResponsePayload answers a sync_request with the current snapshot, or
// Found=false when none exists.
type SyncResponsePayload struct {
	Found       bool           `json:"found"`
	State       map[string]any `json:"state,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
}

// HeartbeatPayload carries the sender's clock reading for RTT measurement.
type HeartbeatPayload struct {
	SentAt time.Time `json:"sentAt"`
}

// EventPayload is the payload of event and broadcast envelopes.
type EventPayload struct {
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
	Scope     EventScope     `json:"scope,omitempty"`
	Priority  int            `json:"priority,omitempty"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Method  string `json:"method,omitempty"`
}
