// Package service implements the inbound ingestion pipeline and the
// conversation operations built on it.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

var (
	// ErrValidation marks input that can never be processed. Webhook
	// deliveries failing validation are acknowledged and ignored.
	ErrValidation = errors.New("validation failed")
	// ErrTenantUnresolved means the ingress carried no tenant. It aborts the
	// delivery with an error status.
	ErrTenantUnresolved = errors.New("tenant unresolved for ingress channel")
	// ErrNotFound is returned when a tenant-scoped entity does not exist.
	ErrNotFound = errors.New("not found")
)

// Publisher fans committed changes out to live views and records failed
// deliveries for replay.
type Publisher interface {
	PublishDelta(ctx context.Context, d *model.Delta) error
	PublishDeadLetter(ctx context.Context, dl *model.DeadLetter) error
}

// NopPublisher drops everything. Used when NATS is not configured.
type NopPublisher struct{}

func (NopPublisher) PublishDelta(context.Context, *model.Delta) error           { return nil }
func (NopPublisher) PublishDeadLetter(context.Context, *model.DeadLetter) error { return nil }

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func now() time.Time {
	return store.Now()
}

// notFound maps the store sentinel onto the service one.
func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// publishDelta is fire-and-forget: the change is committed, so a publish
// failure only delays live views until their next fetch.
func publishDelta(ctx context.Context, pub Publisher, log *logger.Logger, d *model.Delta) {
	if d.OccurredAt.IsZero() {
		d.OccurredAt = now()
	}
	if err := pub.PublishDelta(ctx, d); err != nil {
		log.Warn("delta publish failed",
			zap.String("kind", string(d.Kind)),
			zap.String("conversation_id", d.ConversationID),
			zap.Error(err),
		)
	}
}

func messageDelta(kind model.DeltaKind, m *model.Message) *model.Delta {
	return &model.Delta{Kind: kind, TenantID: m.TenantID, ConversationID: m.ConversationID, Message: m}
}

func conversationDelta(c *model.Conversation) *model.Delta {
	return &model.Delta{Kind: model.DeltaConversationUpdated, TenantID: c.TenantID, ConversationID: c.ID, Conversation: c}
}
