package mapsync

import (
	"time"
)

// MessageType is the wire-level discriminator of an envelope.
type MessageType string

const (
	MessageAck            MessageType = "ack"
	MessagePing           MessageType = "ping"
	MessagePong           MessageType = "pong"
	MessageUserJoin       MessageType = "user_join"
	MessageUserLeave      MessageType = "user_leave"
	MessageCursorUpdate   MessageType = "cursor_update"
	MessageEditingStart   MessageType = "editing_start"
	MessageEditingEnd     MessageType = "editing_end"
	MessageSyncOperation  MessageType = "sync_operation"
	MessagePresenceUpdate MessageType = "presence_update"
	MessageSystemError    MessageType = "system_error"
	MessageRateLimit      MessageType = "rate_limit"
)

// MessagePriority orders envelopes at send time. High priority bypasses
// rate limiting.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
)

// Envelope is the wire-level unit carried over the duplex connection. Data
// is the JSON-encoded payload; when Compressed is set it is gzip-compressed
// before the JSON base64 encoding.
type Envelope struct {
	ID          string          `json:"id"`
	Type        MessageType     `json:"type"`
	Data        []byte          `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
	RequiresAck bool            `json:"requiresAck,omitempty"`
	Priority    MessagePriority `json:"priority,omitempty"`
	TimeoutMs   int64           `json:"timeout,omitempty"`
	Compressed  bool            `json:"compressed,omitempty"`
}

// AckPayload correlates an ack envelope with the message it acknowledges.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// PingPayload is echoed back verbatim in the pong for latency measurement.
type PingPayload struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

// PresencePayload carries join/leave/presence updates. On join the actor
// announces its vector clock so the server can replay missed operations.
type PresencePayload struct {
	ActorID     string      `json:"actorId"`
	MapID       string      `json:"mapId,omitempty"`
	Status      string      `json:"status,omitempty"`
	VectorClock VectorClock `json:"vectorClock,omitempty"`
}

// CursorPayload carries a cursor position update.
type CursorPayload struct {
	ActorID  string   `json:"actorId"`
	Position Position `json:"position"`
}

// EditingPayload marks the start or end of an actor editing a target.
type EditingPayload struct {
	ActorID  string `json:"actorId"`
	TargetID string `json:"targetId"`
}

// SystemErrorPayload carries a server-side error notice.
type SystemErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
