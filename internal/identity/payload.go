package identity

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

// nestedKeys are objects consulted, in order, after the top level.
var nestedKeys = []string{"message", "data", "key", "chat"}

var (
	nameFields       = []string{"senderName", "pushName", "notifyName", "name"}
	avatarFields     = []string{"senderPhoto", "profilePicUrl", "avatar", "photo"}
	providerIDFields = []string{"messageid", "id"}
	contentFields    = []string{"text", "body", "content", "caption"}
	typeFields       = []string{"messageType", "type"}
	mediaFields      = []string{"mediaUrl", "fileURL", "url"}
)

// Fields is everything the pipeline reads from one payload besides the phone.
type Fields struct {
	DisplayName       string
	AvatarURL         string
	ProviderMessageID string
	Content           string
	Type              string
	MediaURL          string
	FromMe            bool
}

// Extract reads the non-phone fields of a payload.
func Extract(payload map[string]any) Fields {
	return Fields{
		DisplayName:       firstString(payload, nameFields),
		AvatarURL:         firstString(payload, avatarFields),
		ProviderMessageID: firstString(payload, providerIDFields),
		Content:           firstString(payload, contentFields),
		Type:              messageType(payload),
		MediaURL:          firstString(payload, mediaFields),
		FromMe:            lookupBool(payload, "fromMe"),
	}
}

func messageType(payload map[string]any) string {
	t := strings.ToLower(firstString(payload, typeFields))
	switch {
	case t == "":
		return model.TypeText
	case strings.Contains(t, "image"):
		return model.TypeImage
	case strings.Contains(t, "audio"), strings.Contains(t, "ptt"), strings.Contains(t, "voice"):
		return model.TypeAudio
	case strings.Contains(t, "video"):
		return model.TypeVideo
	case strings.Contains(t, "document"), strings.Contains(t, "file"):
		return model.TypeDocument
	case strings.Contains(t, "sticker"):
		return model.TypeSticker
	case strings.Contains(t, "text"), strings.Contains(t, "conversation"), t == "chat", t == "message":
		return model.TypeText
	default:
		return t
	}
}

func firstString(payload map[string]any, fields []string) string {
	for _, f := range fields {
		if v, ok := lookupString(payload, f); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// lookupString finds key case-insensitively at the top level, then in the
// nested objects. Numbers are rendered without exponent.
func lookupString(payload map[string]any, key string) (string, bool) {
	v, ok := lookup(payload, key)
	if !ok {
		return "", false
	}
	return asString(v)
}

func lookupBool(payload map[string]any, key string) bool {
	v, ok := lookup(payload, key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err == nil && parsed
	}
	return false
}

func lookup(payload map[string]any, key string) (any, bool) {
	if v, ok := lookupFlat(payload, key); ok {
		return v, true
	}
	for _, nk := range nestedKeys {
		nested, ok := lookupFlat(payload, nk)
		if !ok {
			continue
		}
		if m, ok := nested.(map[string]any); ok {
			if v, ok := lookupFlat(m, key); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func lookupFlat(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok && v != nil {
		return v, true
	}
	for k, v := range m {
		if v != nil && strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	}
	return "", false
}
