package identity

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

func TestResolve(t *testing.T) {
	r := NewResolver("55")

	tests := []struct {
		name    string
		payload map[string]any
		kind    Kind
		phone   string
		source  string
		reason  string
	}{
		{
			name:    "international domestic mobile",
			payload: map[string]any{"phone": "+5511988887777", "text": "oi"},
			kind:    KindCanonical,
			phone:   "11988887777",
			source:  "phone",
		},
		{
			name:    "missing mobile marker is inserted",
			payload: map[string]any{"from": "551188887777"},
			kind:    KindCanonical,
			phone:   "11988887777",
			source:  "from",
		},
		{
			name:    "already local",
			payload: map[string]any{"sender": "(21) 99876-5432"},
			kind:    KindCanonical,
			phone:   "21998765432",
			source:  "sender",
		},
		{
			name:    "phone wins over from",
			payload: map[string]any{"from": "5521999990000", "phone": "5511988887777"},
			kind:    KindCanonical,
			phone:   "11988887777",
			source:  "phone",
		},
		{
			name:    "jid user part",
			payload: map[string]any{"from": "5511988887777:12@s.whatsapp.net"},
			kind:    KindCanonical,
			phone:   "11988887777",
			source:  "from",
		},
		{
			name:    "chatid is ambiguous",
			payload: map[string]any{"chatid": "5511988887777@s.whatsapp.net"},
			kind:    KindAmbiguous,
			phone:   "11988887777",
			source:  "chatid",
			reason:  ReasonChatIDSource,
		},
		{
			name:    "group id without alternate",
			payload: map[string]any{"chatid": "120363012345678901", "text": "hi"},
			kind:    KindRejected,
			source:  "chatid",
			reason:  ReasonGroupOrInvalid,
		},
		{
			name: "group id recovered from participant",
			payload: map[string]any{
				"chatid":      "120363012345678901@g.us",
				"remoteJid":   "120363012345678901@g.us",
				"participant": "5511988887777@s.whatsapp.net",
			},
			kind:   KindAmbiguous,
			phone:  "11988887777",
			source: "participant",
			reason: ReasonAlternateField,
		},
		{
			name:    "alternate too short is not accepted",
			payload: map[string]any{"sender": "1203630123456789012", "author": "12345"},
			kind:    KindRejected,
			source:  "sender",
			reason:  ReasonGroupOrInvalid,
		},
		{
			name:    "foreign number passes through stripped",
			payload: map[string]any{"phone": "+44 20 7946 0958"},
			kind:    KindAmbiguous,
			phone:   "442079460958",
			source:  "phone",
			reason:  ReasonNotDomestic,
		},
		{
			name:    "no phone fields",
			payload: map[string]any{"text": "hello", "name": "Ana"},
			kind:    KindRejected,
			reason:  ReasonNoPhone,
		},
		{
			name:    "empty and digitless candidates are skipped",
			payload: map[string]any{"phone": "", "from": "unknown"},
			kind:    KindRejected,
			reason:  ReasonNoPhone,
		},
		{
			name:    "case insensitive keys",
			payload: map[string]any{"Phone": "5511988887777"},
			kind:    KindCanonical,
			phone:   "11988887777",
			source:  "phone",
		},
		{
			name:    "nested message object",
			payload: map[string]any{"message": map[string]any{"sender": "5511988887777"}},
			kind:    KindCanonical,
			phone:   "11988887777",
			source:  "sender",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := r.Resolve(tt.payload)
			assert.Equal(t, tt.kind, got.Kind, "kind=%s", got.Kind)
			assert.Equal(t, tt.phone, got.Phone)
			assert.Equal(t, tt.source, got.Source)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestResolveJSONNumberKeepsPrecision(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"phone": 5511988887777}`))
	dec.UseNumber()
	var payload map[string]any
	require.NoError(t, dec.Decode(&payload))

	got := NewResolver("55").Resolve(payload)
	assert.Equal(t, KindCanonical, got.Kind)
	assert.Equal(t, "11988887777", got.Phone)
}

func TestResolveAnyPayloadWithoutPhoneFields(t *testing.T) {
	r := NewResolver("55")
	payloads := []map[string]any{
		{},
		{"text": "oi"},
		{"remoteJid": "5511988887777@s.whatsapp.net"},
		{"messageid": "ABC", "senderName": "Ana", "fromMe": false},
	}
	for _, p := range payloads {
		got := r.Resolve(p)
		assert.Equal(t, KindRejected, got.Kind)
		assert.Equal(t, ReasonNoPhone, got.Reason)
	}
}

func TestNormalize(t *testing.T) {
	r := NewResolver("55")
	assert.Equal(t, "11988887777", r.Normalize("+55 11 98888-7777"))
	assert.Equal(t, "11988887777", r.Normalize("11988887777"))
	assert.Equal(t, "55912345678", r.Normalize("55912345678"))
}

func TestExtract(t *testing.T) {
	payload := map[string]any{
		"phone":       "5511988887777",
		"senderName":  "  Ana Souza ",
		"messageType": "imageMessage",
		"messageid":   "ABC123",
		"caption":     "look",
		"mediaUrl":    "https://cdn.example/x.jpg",
		"fromMe":      "false",
	}
	f := Extract(payload)
	assert.Equal(t, "Ana Souza", f.DisplayName)
	assert.Equal(t, "ABC123", f.ProviderMessageID)
	assert.Equal(t, "look", f.Content)
	assert.Equal(t, model.TypeImage, f.Type)
	assert.Equal(t, "https://cdn.example/x.jpg", f.MediaURL)
	assert.False(t, f.FromMe)
}

func TestExtractBaileysShape(t *testing.T) {
	payload := map[string]any{
		"key":      map[string]any{"id": "3EB0XYZ", "fromMe": true, "remoteJid": "5511988887777@s.whatsapp.net"},
		"pushName": "Bob",
		"message":  map[string]any{"conversation": "ignored", "text": "hello"},
	}
	f := Extract(payload)
	assert.Equal(t, "3EB0XYZ", f.ProviderMessageID)
	assert.Equal(t, "Bob", f.DisplayName)
	assert.Equal(t, "hello", f.Content)
	assert.Equal(t, model.TypeText, f.Type)
	assert.True(t, f.FromMe)
}
