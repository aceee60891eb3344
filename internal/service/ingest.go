package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/identity"
	"github.com/capitalize-ai/whatsapp-inbox/internal/media"
	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/metrics"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/tracing"
)

// Outcome is the acknowledgement status of one webhook delivery.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeReceived  Outcome = "received"
	OutcomeError     Outcome = "error"
)

// Reasons reported with OutcomeIgnored, besides the identity rejections.
const (
	ReasonFromMe       = "from_me"
	ReasonEmptyContent = "empty_content"
)

// Pipeline stages, used in logs and dead letters.
const (
	StageTenant       = "tenant"
	StageIdempotency  = "idempotency"
	StageContact      = "contact"
	StageConversation = "conversation"
	StagePersist      = "persist"
)

// DefaultIngestTimeout bounds one delivery end to end.
const DefaultIngestTimeout = 60 * time.Second

// Result is the acknowledgement body returned to the provider.
type Result struct {
	Status         Outcome `json:"status"`
	Reason         string  `json:"reason,omitempty"`
	MessageID      string  `json:"message_id,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
}

// IngestorConfig tunes the ingestor.
type IngestorConfig struct {
	Timeout time.Duration
	// MediaCredential authorizes downloads of provider-hosted media.
	MediaCredential string
}

// Ingestor runs the inbound pipeline for one webhook delivery:
// identity, idempotency, contact, conversation, media, persist.
type Ingestor struct {
	resolver      *identity.Resolver
	gate          *IdempotencyGate
	contacts      *ContactReconciler
	conversations *ConversationManager
	persister     *MessagePersister
	media         media.Relocator
	publisher     Publisher
	cfg           IngestorConfig
	logger        *logger.Logger
	tracer        trace.Tracer
}

// NewIngestor wires the pipeline stages together.
func NewIngestor(
	resolver *identity.Resolver,
	gate *IdempotencyGate,
	contacts *ContactReconciler,
	conversations *ConversationManager,
	persister *MessagePersister,
	relocator media.Relocator,
	publisher Publisher,
	cfg IngestorConfig,
	log *logger.Logger,
) *Ingestor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultIngestTimeout
	}
	return &Ingestor{
		resolver:      resolver,
		gate:          gate,
		contacts:      contacts,
		conversations: conversations,
		persister:     persister,
		media:         relocator,
		publisher:     publisher,
		cfg:           cfg,
		logger:        log.Named("ingest"),
		tracer:        tracing.Tracer("ingest"),
	}
}

// Ingest processes one delivery received on channel. A non-nil error always
// comes with OutcomeError; every other outcome acknowledges the delivery.
func (i *Ingestor) Ingest(ctx context.Context, channel *model.Channel, correlationID string, payload map[string]any) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	ctx, span := i.tracer.Start(ctx, "ingest.delivery")
	defer span.End()

	res, err := i.ingest(ctx, span, channel, correlationID, payload)

	span.SetAttributes(attribute.String("ingest.outcome", string(res.Status)), attribute.String("ingest.reason", res.Reason))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Reason)
	}
	metrics.RecordInbound(string(res.Status), res.Reason, time.Since(start).Seconds())
	return res, err
}

func (i *Ingestor) ingest(ctx context.Context, span trace.Span, channel *model.Channel, correlationID string, payload map[string]any) (Result, error) {
	if channel == nil || channel.TenantID == "" {
		channelID := ""
		if channel != nil {
			channelID = channel.ID
		}
		i.logger.Error("delivery on channel without tenant",
			zap.String("stage", StageTenant),
			zap.String("channel_id", channelID),
			zap.String("correlation_id", correlationID),
		)
		return Result{Status: OutcomeError, Reason: StageTenant}, ErrTenantUnresolved
	}

	log := i.logger.WithDelivery(correlationID, channel.ID, channel.TenantID)
	span.SetAttributes(attribute.String("tenant_id", channel.TenantID), attribute.String("channel_id", channel.ID))

	fields := identity.Extract(payload)
	if fields.FromMe {
		return Result{Status: OutcomeIgnored, Reason: ReasonFromMe}, nil
	}

	who := i.resolver.Resolve(payload)
	if !who.Accepted() {
		log.Info("delivery ignored", zap.String("reason", who.Reason), zap.String("source", who.Source))
		return Result{Status: OutcomeIgnored, Reason: who.Reason}, nil
	}
	if who.Kind == identity.KindAmbiguous {
		log.Warn("ambiguous sender identity",
			zap.String("phone", who.Phone),
			zap.String("source", who.Source),
			zap.String("reason", who.Reason),
		)
	}

	content := strings.TrimSpace(fields.Content)
	if content == "" && fields.MediaURL == "" {
		return Result{Status: OutcomeIgnored, Reason: ReasonEmptyContent}, nil
	}

	log = log.With(zap.String("phone", who.Phone), zap.String("provider_message_id", fields.ProviderMessageID))

	decision, existing, err := i.gate.Check(ctx, fields.ProviderMessageID)
	if err != nil {
		return i.fail(ctx, log, StageIdempotency, channel, correlationID, payload, err)
	}
	if decision == Duplicate {
		log.Info("duplicate delivery")
		return Result{Status: OutcomeDuplicate, MessageID: existing.ID, ConversationID: existing.ConversationID}, nil
	}

	contact, _, err := i.contacts.Reconcile(ctx, ContactInput{
		TenantID:   channel.TenantID,
		Phone:      who.Phone,
		Name:       fields.DisplayName,
		AvatarURL:  fields.AvatarURL,
		Credential: i.cfg.MediaCredential,
	})
	if err != nil {
		if errors.Is(err, ErrTenantUnresolved) {
			return Result{Status: OutcomeError, Reason: StageTenant}, err
		}
		return i.fail(ctx, log, StageContact, channel, correlationID, payload, err)
	}

	received := now()
	preview := model.Preview(content)
	if preview == "" {
		preview = "[" + fields.Type + "]"
	}
	conv, err := i.conversations.Touch(ctx, contact, model.ConversationTouch{At: received, Preview: preview, Unread: 1})
	if err != nil {
		return i.fail(ctx, log, StageConversation, channel, correlationID, payload, err)
	}

	mediaURL := ""
	if fields.MediaURL != "" {
		mediaURL = i.media.Relocate(ctx, fields.MediaURL, i.cfg.MediaCredential, media.NamespaceChat, channel.TenantID)
		if mediaURL == "" {
			mediaURL = fields.MediaURL
		}
	}

	msg, created, err := i.persister.Persist(ctx, PersistInput{
		Conversation:      conv,
		Direction:         model.DirectionInbound,
		Type:              fields.Type,
		Content:           content,
		MediaURL:          mediaURL,
		ProviderMessageID: fields.ProviderMessageID,
		Status:            model.StatusDelivered,
		CreatedAt:         received,
	})
	if err != nil {
		return i.fail(ctx, log, StagePersist, channel, correlationID, payload, err)
	}
	if !created {
		// A concurrent delivery of the same id won between the gate and
		// the insert. Both bumped the conversation, so unread_count is one
		// too high until the next read.
		log.Info("duplicate delivery resolved at insert")
		return Result{Status: OutcomeDuplicate, MessageID: msg.ID, ConversationID: msg.ConversationID}, nil
	}

	publishDelta(ctx, i.publisher, log, messageDelta(model.DeltaMessageCreated, msg))
	publishDelta(ctx, i.publisher, log, conversationDelta(conv))

	log.Info("message received",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("type", msg.Type),
	)
	return Result{Status: OutcomeReceived, MessageID: msg.ID, ConversationID: conv.ID}, nil
}

// fail logs the failure with enough context to replay the delivery and
// hands the payload to the dead-letter subject.
func (i *Ingestor) fail(ctx context.Context, log *logger.Logger, stage string, channel *model.Channel, correlationID string, payload map[string]any, err error) (Result, error) {
	log.Error("delivery failed", zap.String("stage", stage), zap.Error(err))

	// The delivery context may already be expired; the dead letter must still go out.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	dl := &model.DeadLetter{
		Stage:         stage,
		Error:         err.Error(),
		ChannelID:     channel.ID,
		TenantID:      channel.TenantID,
		CorrelationID: correlationID,
		Payload:       payload,
		FailedAt:      now(),
	}
	if perr := i.publisher.PublishDeadLetter(dctx, dl); perr != nil {
		log.Error("dead letter publish failed", zap.String("stage", stage), zap.Error(perr))
	}
	return Result{Status: OutcomeError, Reason: stage}, fmt.Errorf("%s: %w", stage, err)
}
