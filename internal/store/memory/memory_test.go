package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
)

func TestCreateContactConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateContact(ctx, &model.Contact{ID: "c1", TenantID: "t1", Phone: "11988887777"}))
	err := s.CreateContact(ctx, &model.Contact{ID: "c2", TenantID: "t1", Phone: "11988887777"})
	assert.ErrorIs(t, err, store.ErrConflict)

	// Same phone under another tenant is a different contact.
	require.NoError(t, s.CreateContact(ctx, &model.Contact{ID: "c3", TenantID: "t2", Phone: "11988887777"}))

	got, err := s.FindContactByPhone(ctx, "t1", "11988887777")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
}

func TestBumpConversationConcurrent(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateConversation(ctx, &model.Conversation{ID: "v1", TenantID: "t1", ContactID: "c1", Status: model.ConversationOpen}))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.BumpConversation(ctx, "t1", "v1", model.ConversationTouch{At: time.Now(), Unread: 1, Preview: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	conv, err := s.GetConversation(ctx, "t1", "v1")
	require.NoError(t, err)
	assert.Equal(t, n, conv.UnreadCount)
}

func TestBumpReopensClosedConversation(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateConversation(ctx, &model.Conversation{ID: "v1", TenantID: "t1", ContactID: "c1", Status: model.ConversationClosed}))

	conv, err := s.BumpConversation(ctx, "t1", "v1", model.ConversationTouch{At: time.Now(), Unread: 1})
	require.NoError(t, err)
	assert.Equal(t, model.ConversationOpen, conv.Status)
}

func TestInsertMessageIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := New()
	pid := "ABC123"

	first, created, err := s.InsertMessageIfAbsent(ctx, &model.Message{ID: "m1", TenantID: "t1", ConversationID: "v1", ProviderMessageID: &pid})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "m1", first.ID)

	second, created, err := s.InsertMessageIfAbsent(ctx, &model.Message{ID: "m2", TenantID: "t1", ConversationID: "v1", ProviderMessageID: &pid})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "m1", second.ID)

	err = s.InsertMessage(ctx, &model.Message{ID: "m3", ProviderMessageID: &pid})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, _, msgs := s.Counts()
	assert.Equal(t, 1, msgs)
}

func TestUpdateMessageStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertMessage(ctx, &model.Message{ID: "m1", TenantID: "t1", Status: model.StatusSent}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		status := model.StatusDelivered
		if i%2 == 0 {
			status = model.StatusRead
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.UpdateMessageStatus(ctx, "m1", status)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	m, applied, err := s.UpdateMessageStatus(ctx, "m1", model.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.StatusRead, m.Status)

	_, _, err = s.UpdateMessageStatus(ctx, "missing", model.StatusRead)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListMessagesNewestWindow(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.InsertMessage(ctx, &model.Message{
			ID: id, TenantID: "t1", ConversationID: "v1", CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.ListMessages(ctx, "t1", "v1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "d", got[1].ID)
}

func TestMatchPatientPhoneBySuffix(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddPatientPhone("t1", "+55 (11) 98888-7777", "p1")

	id, err := s.MatchPatientPhone(ctx, "t1", "11988887777")
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	_, err = s.MatchPatientPhone(ctx, "t2", "11988887777")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
