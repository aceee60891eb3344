// Package livesync keeps a client-side view of one conversation converged
// with the server: an initial fetch, a stream of realtime deltas and the
// client's own optimistic sends, deduplicated through a persisted cache.
package livesync

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

// Key prefixes, in priority order.
const (
	keyID       = "id:"
	keyProvider = "pid:"
	keyHash     = "h:"
)

// Key returns the strongest identity of m: its storage id, else its
// provider id, else a hash of conversation, content and creation time.
func Key(m *model.Message) string {
	return Keys(m)[0]
}

// Keys returns the identities of m, strongest first. A message counts as
// seen when any of them is. The content hash is only used when the message
// has neither a storage id nor a provider id, since two distinct messages
// may share content and millisecond.
func Keys(m *model.Message) []string {
	keys := make([]string, 0, 2)
	if m.ID != "" {
		keys = append(keys, keyID+m.ID)
	}
	if pid := model.Deref(m.ProviderMessageID); pid != "" {
		keys = append(keys, keyProvider+pid)
	}
	if len(keys) == 0 {
		keys = append(keys, contentKey(m))
	}
	return keys
}

// updateKeys identify one status of m, so a later status of the same
// message is not mistaken for a duplicate.
func updateKeys(m *model.Message) []string {
	keys := Keys(m)
	for i := range keys {
		keys[i] += "@" + string(m.Status)
	}
	return keys
}

func contentKey(m *model.Message) string {
	sum := sha256.Sum256([]byte(m.ConversationID + "|" + normalizeContent(m.Content) + "|" + strconv.FormatInt(m.CreatedAt.UnixMilli(), 10)))
	return keyHash + hex.EncodeToString(sum[:])
}

// normalizeContent folds case and collapses whitespace.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
