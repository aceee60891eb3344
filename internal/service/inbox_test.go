package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

func TestInboxContactCreated(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.inbox.Apply(context.Background(), testChannel, InboxEvent{
		Event:   InboxContactCreated,
		Contact: &InboxContact{Phone: "+55 (11) 98888-7777", Name: "Joana"},
	})
	require.NoError(t, err)
	assert.True(t, res.ContactCreated)
	assert.Nil(t, res.Conversation)
	assert.Equal(t, "11988887777", res.Contact.Phone)
	assert.Equal(t, "Joana", res.Contact.Name)

	_, convs, _ := h.mem.Counts()
	assert.Zero(t, convs)
}

func TestInboxConversationCreated(t *testing.T) {
	h := newHarness(t, nil)
	ev := InboxEvent{
		Event:        InboxConversationCreated,
		Contact:      &InboxContact{Phone: "5511988887777"},
		Conversation: &InboxConversation{Status: "pending"},
	}

	res, err := h.inbox.Apply(context.Background(), testChannel, ev)
	require.NoError(t, err)
	require.NotNil(t, res.Conversation)
	assert.True(t, res.ConversationCreated)
	assert.Equal(t, model.ConversationPending, res.Conversation.Status)
	assert.Zero(t, res.Conversation.UnreadCount)

	// Replaying the event converges on the same rows.
	again, err := h.inbox.Apply(context.Background(), testChannel, ev)
	require.NoError(t, err)
	assert.False(t, again.ContactCreated)
	assert.False(t, again.ConversationCreated)
	assert.Equal(t, res.Conversation.ID, again.Conversation.ID)

	contacts, convs, _ := h.mem.Counts()
	assert.Equal(t, 1, contacts)
	assert.Equal(t, 1, convs)
}

func TestInboxMirrorThenWebhookShareConversation(t *testing.T) {
	h := newHarness(t, nil)

	mirrored, err := h.inbox.Apply(context.Background(), testChannel, InboxEvent{
		Event:   InboxConversationCreated,
		Contact: &InboxContact{Phone: "5511988887777"},
	})
	require.NoError(t, err)

	res, err := h.ingest(t, map[string]any{"phone": "5511988887777", "text": "oi"})
	require.NoError(t, err)
	assert.Equal(t, mirrored.Conversation.ID, res.ConversationID)
}

func TestInboxRejectsBadEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.inbox.Apply(ctx, testChannel, InboxEvent{Event: "message_created", Contact: &InboxContact{Phone: "5511988887777"}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = h.inbox.Apply(ctx, testChannel, InboxEvent{Event: InboxContactCreated})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.inbox.Apply(ctx, testChannel, InboxEvent{Event: InboxContactCreated, Contact: &InboxContact{Phone: "abc"}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.inbox.Apply(ctx, &model.Channel{ID: "orphan"}, InboxEvent{Event: InboxContactCreated, Contact: &InboxContact{Phone: "5511988887777"}})
	assert.ErrorIs(t, err, ErrTenantUnresolved)
}
