// Package model defines data structures for the WhatsApp inbox.
package model

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation. Conversations
// are never deleted, only moved between statuses.
type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "open"
	ConversationPending ConversationStatus = "pending"
	ConversationClosed  ConversationStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationOpen, ConversationPending, ConversationClosed:
		return true
	}
	return false
}

// Conversation is the thread between a tenant and one contact.
type Conversation struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	ContactID          string             `json:"contact_id"`
	Status             ConversationStatus `json:"status"`
	UnreadCount        int                `json:"unread_count"`
	LastMessageAt      *time.Time         `json:"last_message_at,omitempty"`
	LastMessagePreview string             `json:"last_message_preview,omitempty"`
	LeadStatus         string             `json:"lead_status,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ConversationTouch describes the metadata bump applied for one message.
type ConversationTouch struct {
	At      time.Time
	Preview string
	// Unread is added to unread_count; inbound messages use 1, outbound 0.
	Unread int
}

// UpdateStatusRequest is the request to move a conversation to a new status.
type UpdateStatusRequest struct {
	Status ConversationStatus `json:"status"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}

// PreviewMaxRunes bounds last_message_preview.
const PreviewMaxRunes = 120

// Preview truncates content for last_message_preview.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= PreviewMaxRunes {
		return content
	}
	return string(r[:PreviewMaxRunes])
}
