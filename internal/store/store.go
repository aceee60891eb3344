// Package store defines the persistence boundary of the inbox. Unique
// constraint violations surface as ErrConflict and are an expected branch:
// callers resolve them by re-reading.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write hits a unique constraint.
	ErrConflict = errors.New("store: unique constraint conflict")
	// ErrUnsupported is returned by backends lacking an atomic operation.
	ErrUnsupported = errors.New("store: operation not supported")
)

// ContactStore persists contacts, unique per (tenant, phone).
type ContactStore interface {
	FindContactByPhone(ctx context.Context, tenantID, phone string) (*model.Contact, error)
	GetContact(ctx context.Context, tenantID, contactID string) (*model.Contact, error)
	CreateContact(ctx context.Context, c *model.Contact) error
	UpdateContact(ctx context.Context, tenantID, contactID string, patch model.ContactPatch) (*model.Contact, error)
}

// ConversationStore persists conversations, unique per (tenant, contact).
type ConversationStore interface {
	FindConversationByContact(ctx context.Context, tenantID, contactID string) (*model.Conversation, error)
	GetConversation(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error)
	ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]model.Conversation, int, error)
	CreateConversation(ctx context.Context, c *model.Conversation) error
	// BumpConversation atomically adds touch.Unread to unread_count and
	// refreshes last_message_at and the preview. Closed conversations reopen.
	BumpConversation(ctx context.Context, tenantID, conversationID string, touch model.ConversationTouch) (*model.Conversation, error)
	ResetUnread(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error)
	SetConversationStatus(ctx context.Context, tenantID, conversationID string, status model.ConversationStatus) (*model.Conversation, error)
}

// MessageStore persists messages, unique per provider_message_id.
type MessageStore interface {
	FindMessageByProviderID(ctx context.Context, providerID string) (*model.Message, error)
	// InsertMessage writes m; a provider id collision returns ErrConflict.
	InsertMessage(ctx context.Context, m *model.Message) error
	// InsertMessageIfAbsent inserts m unless a row with the same provider id
	// exists, in which case that row is returned with created=false.
	InsertMessageIfAbsent(ctx context.Context, m *model.Message) (*model.Message, bool, error)
	ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]model.Message, error)
	// UpdateMessageStatus moves the message to status only when its current
	// status may advance to it. Otherwise the stored row is returned with
	// applied=false.
	UpdateMessageStatus(ctx context.Context, messageID string, status model.MessageStatus) (msg *model.Message, applied bool, err error)
	SetMessageProviderID(ctx context.Context, messageID, providerID string) (*model.Message, error)
}

// PatientDirectory is the read/link surface of the external patient system.
type PatientDirectory interface {
	// FindWhatsAppPhone looks up the dedicated WhatsApp phone index.
	FindWhatsAppPhone(ctx context.Context, tenantID, phone string) (string, error)
	// MatchPatientPhone runs the patient subsystem's flexible phone matching.
	MatchPatientPhone(ctx context.Context, tenantID, phone string) (string, error)
	// IndexWhatsAppPhone records a resolved link; ErrConflict when present.
	IndexWhatsAppPhone(ctx context.Context, entry model.PatientPhone) error
}

// ChannelStore resolves webhook channels to tenants.
type ChannelStore interface {
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	UpsertChannel(ctx context.Context, ch *model.Channel) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	ContactStore
	ConversationStore
	MessageStore
	PatientDirectory
	ChannelStore
	Ping(ctx context.Context) error
	Close()
}

// Now is the clock used for timestamps set by the store layer.
var Now = func() time.Time { return time.Now().UTC() }
