package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentBytes bounds outbound message text.
const MaxContentBytes = 65536

// ValidateMessageContent validates outbound message text. Empty content is
// allowed when the message carries media.
func ValidateMessageContent(content, mediaURL string) error {
	if content == "" && mediaURL == "" {
		return errors.New("content or media_url is required")
	}
	if len(content) > MaxContentBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}
