package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/identity"
	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

// Agent-inbox mirror events.
const (
	InboxContactCreated      = "contact_created"
	InboxConversationCreated = "conversation_created"
)

// ErrUnknownEvent is returned for inbox events we do not mirror.
var ErrUnknownEvent = errors.New("unknown inbox event")

// InboxEvent is a record created in the external agent inbox.
type InboxEvent struct {
	Event        string             `json:"event"`
	Contact      *InboxContact      `json:"contact,omitempty"`
	Conversation *InboxConversation `json:"conversation,omitempty"`
}

// InboxContact is the contact part of an inbox event.
type InboxContact struct {
	Phone     string `json:"phone_number"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// InboxConversation is the conversation part of an inbox event.
type InboxConversation struct {
	Status string `json:"status"`
}

// InboxResult reports what the mirror touched.
type InboxResult struct {
	Contact             *model.Contact      `json:"contact"`
	Conversation        *model.Conversation `json:"conversation,omitempty"`
	ContactCreated      bool                `json:"contact_created"`
	ConversationCreated bool                `json:"conversation_created"`
}

// InboxMirror copies agent-inbox records into the local store. There is no
// retry queue: a failed event is reported back to the sender.
type InboxMirror struct {
	resolver      *identity.Resolver
	contacts      *ContactReconciler
	conversations *ConversationManager
	logger        *logger.Logger
}

// NewInboxMirror creates an inbox mirror.
func NewInboxMirror(resolver *identity.Resolver, contacts *ContactReconciler, conversations *ConversationManager, log *logger.Logger) *InboxMirror {
	return &InboxMirror{
		resolver:      resolver,
		contacts:      contacts,
		conversations: conversations,
		logger:        log.Named("inbox"),
	}
}

// Apply mirrors one event for the channel's tenant.
func (m *InboxMirror) Apply(ctx context.Context, channel *model.Channel, ev InboxEvent) (*InboxResult, error) {
	if channel == nil || channel.TenantID == "" {
		return nil, ErrTenantUnresolved
	}
	if ev.Event != InboxContactCreated && ev.Event != InboxConversationCreated {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Event)
	}
	if ev.Contact == nil {
		return nil, fmt.Errorf("%w: contact is required", ErrValidation)
	}
	phone := m.resolver.Normalize(ev.Contact.Phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: contact phone is required", ErrValidation)
	}

	contact, created, err := m.contacts.Reconcile(ctx, ContactInput{
		TenantID:  channel.TenantID,
		Phone:     phone,
		Name:      ev.Contact.Name,
		AvatarURL: ev.Contact.AvatarURL,
	})
	if err != nil {
		return nil, err
	}
	res := &InboxResult{Contact: contact, ContactCreated: created}

	if ev.Event == InboxConversationCreated {
		conv, convCreated, err := m.conversations.Ensure(ctx, contact)
		if err != nil {
			return nil, err
		}
		if ev.Conversation != nil {
			status := model.ConversationStatus(ev.Conversation.Status)
			if status.Valid() && status != conv.Status {
				if conv, err = m.conversations.SetStatus(ctx, conv.TenantID, conv.ID, status); err != nil {
					return nil, err
				}
			}
		}
		res.Conversation = conv
		res.ConversationCreated = convCreated
	}

	m.logger.Info("inbox event mirrored",
		zap.String("event", ev.Event),
		zap.String("tenant_id", channel.TenantID),
		zap.String("contact_id", contact.ID),
		zap.Bool("contact_created", res.ContactCreated),
		zap.Bool("conversation_created", res.ConversationCreated),
	)
	return res, nil
}
