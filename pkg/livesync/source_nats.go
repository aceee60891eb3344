package livesync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	natsclient "github.com/capitalize-ai/whatsapp-inbox/internal/nats"
)

// NATSSource reads deltas straight from the JetStream stream, for clients
// inside the deployment.
type NATSSource struct {
	js       jetstream.JetStream
	tenantID string
}

// NewNATSSource creates a source for one tenant's conversations.
func NewNATSSource(js jetstream.JetStream, tenantID string) *NATSSource {
	return &NATSSource{js: js, tenantID: tenantID}
}

// Subscribe starts an ordered consumer on the conversation's subjects.
func (n *NATSSource) Subscribe(ctx context.Context, conversationID string, afterSequence uint64, onDelta func(model.Delta), onErr func(error)) (Subscription, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{natsclient.ConversationFilter(n.tenantID, conversationID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := n.js.OrderedConsumer(ctx, natsclient.StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var d model.Delta
		if err := json.Unmarshal(msg.Data(), &d); err != nil {
			// Resubscribing would deliver it again.
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			d.Sequence = meta.Sequence.Stream
		}
		onDelta(d)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		onErr(err)
	}))
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return cc, nil
}
