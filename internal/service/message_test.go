package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store/memory"
)

// noUpsertStore behaves like a backend without an atomic insert-if-absent.
type noUpsertStore struct {
	*memory.Store
}

func (noUpsertStore) InsertMessageIfAbsent(context.Context, *model.Message) (*model.Message, bool, error) {
	return nil, false, store.ErrUnsupported
}

// receiptRaceStore applies a delivery receipt right after the provider id
// is recorded, before the sender marks the message sent.
type receiptRaceStore struct {
	*memory.Store
}

func (s receiptRaceStore) SetMessageProviderID(ctx context.Context, messageID, providerID string) (*model.Message, error) {
	m, err := s.Store.SetMessageProviderID(ctx, messageID, providerID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.Store.UpdateMessageStatus(ctx, messageID, model.StatusDelivered); err != nil {
		return nil, err
	}
	return m, nil
}

// racingInsertStore has no upsert and misses the first lookups, so a row
// written by another process is only discovered through the insert conflict.
type racingInsertStore struct {
	*memory.Store
	misses *atomic.Int32
}

func (racingInsertStore) InsertMessageIfAbsent(context.Context, *model.Message) (*model.Message, bool, error) {
	return nil, false, store.ErrUnsupported
}

func (s racingInsertStore) FindMessageByProviderID(ctx context.Context, providerID string) (*model.Message, error) {
	if s.misses.Add(-1) >= 0 {
		return nil, store.ErrNotFound
	}
	return s.Store.FindMessageByProviderID(ctx, providerID)
}

func seedConversation(t *testing.T, h *harness) *model.Conversation {
	t.Helper()
	res, err := h.ingest(t, map[string]any{"phone": "5511988887777", "text": "oi", "messageid": "SEED-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeReceived, res.Status)
	conv, err := h.mem.GetConversation(context.Background(), "t1", res.ConversationID)
	require.NoError(t, err)
	return conv
}

func TestPersistFallsBackWithoutUpsert(t *testing.T) {
	h := newHarness(t, func(m *memory.Store) store.Store { return noUpsertStore{m} })
	conv := seedConversation(t, h)

	in := PersistInput{Conversation: conv, Direction: model.DirectionInbound, Content: "again", ProviderMessageID: "FB-1"}
	first, created, err := h.persister.Persist(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := h.persister.Persist(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestPersistConflictReReadsWinner(t *testing.T) {
	misses := &atomic.Int32{}
	h := newHarness(t, func(m *memory.Store) store.Store { return racingInsertStore{Store: m, misses: misses} })
	conv := seedConversation(t, h)
	ctx := context.Background()

	pid := "RACE-1"
	require.NoError(t, h.mem.InsertMessage(ctx, &model.Message{
		ID: "winner", ConversationID: conv.ID, TenantID: "t1", ProviderMessageID: &pid, Status: model.StatusDelivered,
	}))

	misses.Store(1)
	got, created, err := h.persister.Persist(ctx, PersistInput{
		Conversation: conv, Direction: model.DirectionInbound, Content: "late", ProviderMessageID: pid,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", got.ID)

	_, _, msgs := h.mem.Counts()
	assert.Equal(t, 2, msgs, "seed plus the winner only")
}

func TestPersistDefaults(t *testing.T) {
	h := newHarness(t, nil)
	conv := seedConversation(t, h)
	ctx := context.Background()

	in, _, err := h.persister.Persist(ctx, PersistInput{Conversation: conv, Direction: model.DirectionInbound, Content: "a"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, in.Status)
	assert.Equal(t, model.TypeText, in.Type)
	assert.Nil(t, in.ProviderMessageID)

	out, _, err := h.persister.Persist(ctx, PersistInput{Conversation: conv, Direction: model.DirectionOutbound, Content: "b"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, out.Status)
	assert.Equal(t, conv.ContactID, out.ContactID)
}

func TestSendDeliversThroughProvider(t *testing.T) {
	h := newHarness(t, nil)
	conv := seedConversation(t, h)
	ctx := context.Background()

	msg, err := h.messages.Send(ctx, "t1", conv.ID, &model.SendMessageRequest{Content: " hello ", CorrelationID: "tmp-1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, msg.Status)
	assert.Equal(t, model.DirectionOutbound, msg.Direction)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "PROV-1", model.Deref(msg.ProviderMessageID))
	assert.Equal(t, "tmp-1", model.Deref(msg.CorrelationID))
	assert.Equal(t, []string{"5511988887777:hello"}, h.sender.sent)

	updated, err := h.mem.GetConversation(ctx, "t1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UnreadCount, "outbound does not add unread")
	assert.Equal(t, "hello", updated.LastMessagePreview)

	kinds := h.pub.kinds()
	assert.Equal(t, []model.DeltaKind{model.DeltaMessageCreated, model.DeltaConversationUpdated, model.DeltaMessageUpdated}, kinds[2:])
}

func TestSendMediaUsesMediaEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	conv := seedConversation(t, h)

	msg, err := h.messages.Send(context.Background(), "t1", conv.ID, &model.SendMessageRequest{MediaURL: "https://cdn/x.pdf"})
	require.NoError(t, err)
	assert.Equal(t, model.TypeDocument, msg.Type)
	assert.Equal(t, 1, h.sender.media)
}

func TestSendProviderFailureMarksFailed(t *testing.T) {
	h := newHarness(t, nil)
	conv := seedConversation(t, h)
	h.sender.err = errors.New("provider down")

	msg, err := h.messages.Send(context.Background(), "t1", conv.ID, &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, msg.Status)
	assert.Nil(t, msg.ProviderMessageID)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, nil)
	conv := seedConversation(t, h)

	_, err := h.messages.Send(context.Background(), "t1", conv.ID, &model.SendMessageRequest{Content: "  "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.messages.Send(context.Background(), "other-tenant", conv.ID, &model.SendMessageRequest{Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusOnlyMovesForward(t *testing.T) {
	h := newHarness(t, nil)
	conv := seedConversation(t, h)
	ctx := context.Background()

	sent, err := h.messages.Send(ctx, "t1", conv.ID, &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, sent.Status)

	msg, applied, err := h.messages.UpdateStatus(ctx, "t1", "PROV-1", model.StatusRead)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusRead, msg.Status)

	msg, applied, err = h.messages.UpdateStatus(ctx, "t1", "PROV-1", model.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.StatusRead, msg.Status)

	_, _, err = h.messages.UpdateStatus(ctx, "t2", "PROV-1", model.StatusRead)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = h.messages.UpdateStatus(ctx, "t1", "NOPE", model.StatusRead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendDoesNotOverwriteEarlierReceipt(t *testing.T) {
	h := newHarness(t, func(m *memory.Store) store.Store { return receiptRaceStore{m} })
	conv := seedConversation(t, h)
	ctx := context.Background()

	msg, err := h.messages.Send(ctx, "t1", conv.ID, &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, msg.Status)

	stored, err := h.mem.FindMessageByProviderID(ctx, "PROV-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, stored.Status)

	kinds := h.pub.kinds()
	assert.Equal(t, []model.DeltaKind{model.DeltaMessageCreated, model.DeltaConversationUpdated}, kinds[2:],
		"no sent update is published once the receipt won")
}

func TestUpdateStatusConcurrentReceipts(t *testing.T) {
	h := newHarness(t, nil)
	conv := seedConversation(t, h)
	ctx := context.Background()

	_, err := h.messages.Send(ctx, "t1", conv.ID, &model.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		status := model.StatusDelivered
		if i%2 == 1 {
			status = model.StatusRead
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.messages.UpdateStatus(ctx, "t1", "PROV-1", status)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := h.mem.FindMessageByProviderID(ctx, "PROV-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, stored.Status)
}

func TestGetMessagesPaging(t *testing.T) {
	h := newHarness(t, nil)
	var convID string
	for i := 0; i < 5; i++ {
		res, err := h.ingest(t, map[string]any{"phone": "5511988887777", "text": fmt.Sprintf("m%d", i), "messageid": fmt.Sprintf("P-%d", i)})
		require.NoError(t, err)
		convID = res.ConversationID
	}

	page, err := h.messages.GetMessages(context.Background(), "t1", convID, 3)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "m2", page.Messages[0].Content)
	assert.Equal(t, "m4", page.Messages[2].Content)

	page, err = h.messages.GetMessages(context.Background(), "t1", convID, 10)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Len(t, page.Messages, 5)

	_, err = h.messages.GetMessages(context.Background(), "t1", "missing", 10)
	assert.ErrorIs(t, err, ErrNotFound)
}
