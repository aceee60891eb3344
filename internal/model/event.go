package model

import (
	"time"
)

// DeltaKind identifies a realtime change notification.
type DeltaKind string

const (
	DeltaMessageCreated      DeltaKind = "message.created"
	DeltaMessageUpdated      DeltaKind = "message.updated"
	DeltaConversationUpdated DeltaKind = "conversation.updated"
)

// Delta is published after a state change commits and consumed by live
// views. Deliveries are at-least-once; consumers must deduplicate.
type Delta struct {
	Kind           DeltaKind     `json:"kind"`
	TenantID       string        `json:"tenant_id"`
	ConversationID string        `json:"conversation_id"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
	Sequence       uint64        `json:"sequence,omitempty"`
}

// DeadLetter records a delivery that exhausted in-line recovery.
type DeadLetter struct {
	Stage         string         `json:"stage"`
	Error         string         `json:"error"`
	ChannelID     string         `json:"channel_id"`
	TenantID      string         `json:"tenant_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	FailedAt      time.Time      `json:"failed_at"`
}

// ErrorEvent is sent over SSE when the relay fails.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
