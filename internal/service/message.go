package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/provider"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/metrics"
)

// PersistInput carries every resolved field of one message.
type PersistInput struct {
	Conversation      *model.Conversation
	Direction         model.Direction
	Type              string
	Content           string
	MediaURL          string
	ProviderMessageID string
	CorrelationID     string
	// Status defaults to delivered for inbound and pending for outbound.
	Status    model.MessageStatus
	CreatedAt time.Time
}

// MessagePersister writes each message at most once per provider id.
type MessagePersister struct {
	messages store.MessageStore
	logger   *logger.Logger
}

// NewMessagePersister creates a message persister.
func NewMessagePersister(messages store.MessageStore, log *logger.Logger) *MessagePersister {
	return &MessagePersister{messages: messages, logger: log.Named("persister")}
}

// Persist stores the message. When the provider id already exists the stored
// row is returned with created=false.
//
// Messages without a provider id are plain inserts; duplicates among them
// cannot be detected here.
func (p *MessagePersister) Persist(ctx context.Context, in PersistInput) (*model.Message, bool, error) {
	status := in.Status
	if status == "" {
		status = model.StatusDelivered
		if in.Direction == model.DirectionOutbound {
			status = model.StatusPending
		}
	}
	msgType := in.Type
	if msgType == "" {
		msgType = model.TypeText
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}

	m := &model.Message{
		ID:                newID(),
		ConversationID:    in.Conversation.ID,
		ContactID:         in.Conversation.ContactID,
		TenantID:          in.Conversation.TenantID,
		Direction:         in.Direction,
		Type:              msgType,
		Content:           in.Content,
		MediaURL:          in.MediaURL,
		ProviderMessageID: model.StringPtr(in.ProviderMessageID),
		CorrelationID:     model.StringPtr(in.CorrelationID),
		Status:            status,
		CreatedAt:         createdAt,
	}

	if m.ProviderMessageID == nil {
		if err := p.messages.InsertMessage(ctx, m); err != nil {
			return nil, false, fmt.Errorf("insert message: %w", err)
		}
		return m, true, nil
	}

	stored, created, err := p.messages.InsertMessageIfAbsent(ctx, m)
	if errors.Is(err, store.ErrUnsupported) {
		return p.persistChecked(ctx, m)
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert message: %w", err)
	}
	if !created {
		metrics.StoreConflicts.WithLabelValues("message").Inc()
	}
	return stored, created, nil
}

// persistChecked is the double-checked fallback for stores without an
// atomic upsert. A concurrent writer can still slip between the check and
// the insert; the unique index then turns the loser into a re-read.
func (p *MessagePersister) persistChecked(ctx context.Context, m *model.Message) (*model.Message, bool, error) {
	pid := *m.ProviderMessageID
	existing, err := p.messages.FindMessageByProviderID(ctx, pid)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("check message: %w", err)
	}

	err = p.messages.InsertMessage(ctx, m)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	metrics.StoreConflicts.WithLabelValues("message").Inc()
	existing, err = p.messages.FindMessageByProviderID(ctx, pid)
	if err != nil {
		return nil, false, fmt.Errorf("re-read message after conflict: %w", err)
	}
	return existing, false, nil
}

// Sender is the outbound transport.
type Sender interface {
	SendText(ctx context.Context, number, text string) (*provider.SendResponse, error)
	SendMedia(ctx context.Context, number, mediaType, mediaURL, caption string) (*provider.SendResponse, error)
}

// MessageService handles message reads, outbound sends and status callbacks.
type MessageService struct {
	store         store.Store
	conversations *ConversationManager
	persister     *MessagePersister
	sender        Sender
	publisher     Publisher
	countryCode   string
	logger        *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(
	st store.Store,
	conversations *ConversationManager,
	persister *MessagePersister,
	sender Sender,
	publisher Publisher,
	countryCode string,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		store:         st,
		conversations: conversations,
		persister:     persister,
		sender:        sender,
		publisher:     publisher,
		countryCode:   countryCode,
		logger:        log.Named("messages"),
	}
}

// GetMessages returns the newest messages of a conversation, oldest first.
func (s *MessageService) GetMessages(ctx context.Context, tenantID, conversationID string, limit int) (*model.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if _, err := s.conversations.Get(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}

	// One extra row tells us whether older messages exist.
	messages, err := s.store.ListMessages(ctx, tenantID, conversationID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[1:]
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return &model.ListMessagesResponse{Messages: messages, HasMore: hasMore}, nil
}

// Send persists an outbound message as pending, hands it to the provider
// and records the outcome. A provider failure leaves the message failed and
// is not returned as an error.
func (s *MessageService) Send(ctx context.Context, tenantID, conversationID string, req *model.SendMessageRequest) (*model.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && req.MediaURL == "" {
		return nil, fmt.Errorf("%w: content or media_url is required", ErrValidation)
	}

	conv, err := s.conversations.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	contact, err := s.store.GetContact(ctx, tenantID, conv.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", notFound(err))
	}

	msgType := req.Type
	if msgType == "" {
		msgType = model.TypeText
		if req.MediaURL != "" {
			msgType = model.TypeDocument
		}
	}

	msg, _, err := s.persister.Persist(ctx, PersistInput{
		Conversation:  conv,
		Direction:     model.DirectionOutbound,
		Type:          msgType,
		Content:       content,
		MediaURL:      req.MediaURL,
		CorrelationID: req.CorrelationID,
		Status:        model.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	publishDelta(ctx, s.publisher, s.logger, messageDelta(model.DeltaMessageCreated, msg))

	if updated, err := s.conversations.bump(ctx, conv, model.ConversationTouch{At: msg.CreatedAt, Preview: previewFor(msg)}); err != nil {
		s.logger.Warn("conversation touch failed", zap.String("conversation_id", conv.ID), zap.Error(err))
	} else {
		publishDelta(ctx, s.publisher, s.logger, conversationDelta(updated))
	}

	return s.deliver(ctx, contact, msg), nil
}

func (s *MessageService) deliver(ctx context.Context, contact *model.Contact, msg *model.Message) *model.Message {
	number := s.providerNumber(contact.Phone)

	var (
		resp *provider.SendResponse
		err  error
	)
	if msg.Type == model.TypeText {
		resp, err = s.sender.SendText(ctx, number, msg.Content)
	} else {
		resp, err = s.sender.SendMedia(ctx, number, msg.Type, msg.MediaURL, msg.Content)
	}

	status := model.StatusSent
	if err != nil {
		status = model.StatusFailed
		s.logger.Warn("outbound send failed",
			zap.String("message_id", msg.ID),
			zap.String("tenant_id", msg.TenantID),
			zap.Error(err),
		)
	}
	metrics.OutboundTotal.WithLabelValues(msg.Type, string(status)).Inc()

	if err == nil {
		if pid := resp.ProviderMessageID(); pid != "" {
			if updated, perr := s.store.SetMessageProviderID(ctx, msg.ID, pid); perr != nil {
				s.logger.Warn("provider id not recorded", zap.String("message_id", msg.ID), zap.Error(perr))
			} else {
				msg = updated
			}
		}
	}

	// A receipt may already have advanced the message past sent.
	updated, applied, uerr := s.store.UpdateMessageStatus(ctx, msg.ID, status)
	if uerr != nil {
		s.logger.Warn("outbound status not recorded", zap.String("message_id", msg.ID), zap.Error(uerr))
		return msg
	}
	if applied {
		publishDelta(ctx, s.publisher, s.logger, messageDelta(model.DeltaMessageUpdated, updated))
	}
	return updated
}

// providerNumber prefixes domestic local numbers with the country code.
func (s *MessageService) providerNumber(phone string) string {
	if s.countryCode != "" && (len(phone) == 10 || len(phone) == 11) {
		return s.countryCode + phone
	}
	return phone
}

// UpdateStatus applies a provider status callback. Backward or repeated
// transitions are ignored and reported with applied=false.
func (s *MessageService) UpdateStatus(ctx context.Context, tenantID, providerID string, status model.MessageStatus) (*model.Message, bool, error) {
	if providerID == "" {
		return nil, false, fmt.Errorf("%w: provider message id is required", ErrValidation)
	}
	msg, err := s.store.FindMessageByProviderID(ctx, providerID)
	if err != nil {
		return nil, false, notFound(err)
	}
	if msg.TenantID != tenantID {
		return nil, false, ErrNotFound
	}
	if !msg.Status.CanTransition(status) {
		return msg, false, nil
	}

	updated, applied, err := s.store.UpdateMessageStatus(ctx, msg.ID, status)
	if err != nil {
		return nil, false, fmt.Errorf("update message status: %w", err)
	}
	if !applied {
		return updated, false, nil
	}
	publishDelta(ctx, s.publisher, s.logger, messageDelta(model.DeltaMessageUpdated, updated))
	return updated, true, nil
}

// previewFor summarizes a message for last_message_preview.
func previewFor(m *model.Message) string {
	if m.Content != "" {
		return model.Preview(m.Content)
	}
	return "[" + m.Type + "]"
}
