package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/metrics"
)

// ConversationManager owns the one conversation per (tenant, contact).
type ConversationManager struct {
	conversations store.ConversationStore
	publisher     Publisher
	logger        *logger.Logger
}

// NewConversationManager creates a new conversation manager.
func NewConversationManager(conversations store.ConversationStore, publisher Publisher, log *logger.Logger) *ConversationManager {
	return &ConversationManager{
		conversations: conversations,
		publisher:     publisher,
		logger:        log.Named("conversations"),
	}
}

// Touch records one message on the contact's conversation, creating it when
// missing. The unread increment happens in the store, never read-modify-write.
func (m *ConversationManager) Touch(ctx context.Context, contact *model.Contact, touch model.ConversationTouch) (*model.Conversation, error) {
	conv, err := m.conversations.FindConversationByContact(ctx, contact.TenantID, contact.ID)
	switch {
	case err == nil:
		return m.bump(ctx, conv, touch)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	at := touch.At
	conv = &model.Conversation{
		ID:                 newID(),
		TenantID:           contact.TenantID,
		ContactID:          contact.ID,
		Status:             model.ConversationOpen,
		UnreadCount:        touch.Unread,
		LastMessageAt:      &at,
		LastMessagePreview: touch.Preview,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
	err = m.conversations.CreateConversation(ctx, conv)
	if err == nil {
		m.logger.Info("conversation created",
			zap.String("tenant_id", conv.TenantID),
			zap.String("conversation_id", conv.ID),
			zap.String("contact_id", contact.ID),
		)
		return conv, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	// Lost the creation race: the winner's row gets our bump.
	metrics.StoreConflicts.WithLabelValues("conversation").Inc()
	conv, err = m.conversations.FindConversationByContact(ctx, contact.TenantID, contact.ID)
	if err != nil {
		return nil, fmt.Errorf("re-read conversation after conflict: %w", err)
	}
	return m.bump(ctx, conv, touch)
}

func (m *ConversationManager) bump(ctx context.Context, conv *model.Conversation, touch model.ConversationTouch) (*model.Conversation, error) {
	updated, err := m.conversations.BumpConversation(ctx, conv.TenantID, conv.ID, touch)
	if err != nil {
		return nil, fmt.Errorf("bump conversation: %w", err)
	}
	return updated, nil
}

// Ensure returns the contact's conversation, creating an empty one without
// touching unread or activity.
func (m *ConversationManager) Ensure(ctx context.Context, contact *model.Contact) (*model.Conversation, bool, error) {
	conv, err := m.conversations.FindConversationByContact(ctx, contact.TenantID, contact.ID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("find conversation: %w", err)
	}

	ts := now()
	conv = &model.Conversation{
		ID:        newID(),
		TenantID:  contact.TenantID,
		ContactID: contact.ID,
		Status:    model.ConversationOpen,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := m.conversations.CreateConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, false, fmt.Errorf("create conversation: %w", err)
		}
		metrics.StoreConflicts.WithLabelValues("conversation").Inc()
		conv, err = m.conversations.FindConversationByContact(ctx, contact.TenantID, contact.ID)
		if err != nil {
			return nil, false, fmt.Errorf("re-read conversation after conflict: %w", err)
		}
		return conv, false, nil
	}
	return conv, true, nil
}

// Get retrieves a conversation by ID.
func (m *ConversationManager) Get(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	conv, err := m.conversations.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, notFound(err)
	}
	return conv, nil
}

// List retrieves conversations for a tenant, most recent activity first.
func (m *ConversationManager) List(ctx context.Context, tenantID string, limit, offset int) (*model.ListConversationsResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	convs, total, err := m.conversations.ListConversations(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	}, nil
}

// MarkRead resets the unread counter.
func (m *ConversationManager) MarkRead(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	conv, err := m.conversations.ResetUnread(ctx, tenantID, conversationID)
	if err != nil {
		return nil, notFound(err)
	}
	publishDelta(ctx, m.publisher, m.logger, conversationDelta(conv))
	return conv, nil
}

// SetStatus moves a conversation between open, pending and closed.
func (m *ConversationManager) SetStatus(ctx context.Context, tenantID, conversationID string, status model.ConversationStatus) (*model.Conversation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown conversation status %q", ErrValidation, status)
	}
	conv, err := m.conversations.SetConversationStatus(ctx, tenantID, conversationID, status)
	if err != nil {
		return nil, notFound(err)
	}
	publishDelta(ctx, m.publisher, m.logger, conversationDelta(conv))
	return conv, nil
}
