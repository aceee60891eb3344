package model

import (
	"time"
)

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ParseMessageStatus maps provider status words onto MessageStatus.
func ParseMessageStatus(s string) (MessageStatus, bool) {
	switch s {
	case "pending", "queued":
		return StatusPending, true
	case "sent", "server_ack", "serverack":
		return StatusSent, true
	case "delivered", "delivery_ack", "deliveryack":
		return StatusDelivered, true
	case "read", "read_ack", "readack", "played":
		return StatusRead, true
	case "failed", "error":
		return StatusFailed, true
	}
	return "", false
}

// CanTransition reports whether a message may move from s to next.
// Status only moves forward; failed and read are terminal.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if s == StatusFailed || s == StatusRead {
		return false
	}
	if next == StatusFailed {
		return true
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	n, ok := statusRank[next]
	return ok && n > cur
}

// Predecessors lists the statuses from which a message may move to next.
func Predecessors(next MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range []MessageStatus{StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// Message types recognised from the provider payload.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeAudio    = "audio"
	TypeVideo    = "video"
	TypeDocument = "document"
	TypeSticker  = "sticker"
)

// Message is one persisted chat message. Content is immutable after
// creation; only Status changes.
type Message struct {
	ID                string        `json:"id"`
	ConversationID    string        `json:"conversation_id"`
	ContactID         string        `json:"contact_id"`
	TenantID          string        `json:"tenant_id"`
	Direction         Direction     `json:"direction"`
	Type              string        `json:"type"`
	Content           string        `json:"content"`
	MediaURL          string        `json:"media_url,omitempty"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	CorrelationID     *string       `json:"correlation_id,omitempty"`
	Status            MessageStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
}

// SendMessageRequest is the request to send an outbound message.
type SendMessageRequest struct {
	Content       string `json:"content"`
	Type          string `json:"type,omitempty"`
	MediaURL      string `json:"media_url,omitempty"`
	CorrelationID string `json:"client_correlation_id,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// StringPtr returns nil for empty strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
