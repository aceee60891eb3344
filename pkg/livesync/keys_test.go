package livesync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

func TestKeyPriority(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		msg  model.Message
		want []string
	}{
		{
			name: "storage and provider id",
			msg:  model.Message{ID: "m1", ProviderMessageID: model.StringPtr("P1"), Content: "hi", CreatedAt: at},
			want: []string{"id:m1", "pid:P1"},
		},
		{
			name: "provider id only",
			msg:  model.Message{ProviderMessageID: model.StringPtr("P1"), Content: "hi", CreatedAt: at},
			want: []string{"pid:P1"},
		},
		{
			name: "storage id only",
			msg:  model.Message{ID: "m1", Content: "hi", CreatedAt: at},
			want: []string{"id:m1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Keys(&tt.msg))
			assert.Equal(t, tt.want[0], Key(&tt.msg))
		})
	}
}

func TestContentKeyFallback(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := model.Message{ConversationID: "c1", Content: "Hello  World", CreatedAt: at}
	b := model.Message{ConversationID: "c1", Content: " hello world ", CreatedAt: at}

	ka := Key(&a)
	assert.True(t, strings.HasPrefix(ka, "h:"))
	assert.Equal(t, ka, Key(&b), "case and whitespace do not change the hash")

	other := b
	other.ConversationID = "c2"
	assert.NotEqual(t, ka, Key(&other))

	later := b
	later.CreatedAt = at.Add(time.Millisecond)
	assert.NotEqual(t, ka, Key(&later))
}

func TestUpdateKeysCarryStatus(t *testing.T) {
	m := model.Message{ID: "m1", ProviderMessageID: model.StringPtr("P1"), Status: model.StatusDelivered}
	assert.Equal(t, []string{"id:m1@delivered", "pid:P1@delivered"}, updateKeys(&m))

	m.Status = model.StatusRead
	assert.Equal(t, []string{"id:m1@read", "pid:P1@read"}, updateKeys(&m))
}
