package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/metrics"
)

const (
	// StreamName is the name of the inbox delta stream.
	StreamName = "WHATSAPP"

	// SubjectPrefix is the prefix for all inbox subjects.
	SubjectPrefix = "wa"

	// DeadLetterSubject receives deliveries that exhausted in-line recovery.
	DeadLetterSubject = SubjectPrefix + ".dlq.inbound"
)

// StreamManager publishes and reads realtime deltas.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the inbox stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "WhatsApp inbox deltas and dead letters",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// token makes an identifier safe to use as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// DeltaSubject returns the subject a delta is published on.
func DeltaSubject(tenantID, conversationID string, kind model.DeltaKind) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, token(tenantID), token(conversationID), kind)
}

// ConversationFilter returns the filter subject for all deltas of a conversation.
func ConversationFilter(tenantID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(tenantID), token(conversationID))
}

// PublishDelta publishes d and records the stream sequence on it.
func (m *StreamManager) PublishDelta(ctx context.Context, d *model.Delta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delta: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, DeltaSubject(d.TenantID, d.ConversationID, d.Kind), data)
	if err != nil {
		metrics.DeltasPublished.WithLabelValues(string(d.Kind), "error").Inc()
		return fmt.Errorf("failed to publish delta: %w", err)
	}
	d.Sequence = ack.Sequence
	metrics.DeltasPublished.WithLabelValues(string(d.Kind), "ok").Inc()
	return nil
}

// PublishDeadLetter publishes a failed delivery for manual replay.
func (m *StreamManager) PublishDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if _, err := m.client.JetStream().Publish(ctx, DeadLetterSubject, data); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	metrics.DeadLetters.WithLabelValues(dl.Stage).Inc()
	return nil
}

// Subscription is a live delta subscription.
type Subscription interface {
	Stop()
}

// SubscribeConversation delivers every new delta of one conversation to
// handler through an ordered consumer. Deltas published after afterSequence
// are replayed first when afterSequence is non-zero.
func (m *StreamManager) SubscribeConversation(ctx context.Context, tenantID, conversationID string, afterSequence uint64, handler func(model.Delta)) (Subscription, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ConversationFilter(tenantID, conversationID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	log := m.client.logger
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		d, err := decodeDelta(msg)
		if err != nil {
			log.Warn("dropping undecodable delta", zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		handler(d)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		log.Warn("delta consumer error", zap.String("conversation_id", conversationID), zap.Error(err))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return cc, nil
}

// Replay returns up to limit deltas of a conversation after afterSequence.
func (m *StreamManager) Replay(ctx context.Context, tenantID, conversationID string, afterSequence uint64, limit int) ([]model.Delta, uint64, error) {
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     ConversationFilter(tenantID, conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch deltas: %w", err)
	}

	var (
		deltas       []model.Delta
		lastSequence = afterSequence
	)
	for msg := range batch.Messages() {
		d, err := decodeDelta(msg)
		if err != nil {
			continue
		}
		if d.Sequence > lastSequence {
			lastSequence = d.Sequence
		}
		deltas = append(deltas, d)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, 0, fmt.Errorf("batch error: %w", err)
	}
	return deltas, lastSequence, nil
}

func decodeDelta(msg jetstream.Msg) (model.Delta, error) {
	var d model.Delta
	if err := json.Unmarshal(msg.Data(), &d); err != nil {
		return d, err
	}
	if meta, err := msg.Metadata(); err == nil {
		d.Sequence = meta.Sequence.Stream
	}
	return d, nil
}
