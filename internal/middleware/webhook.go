package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

// ChannelKey is the context key for the authenticated webhook channel.
const ChannelKey ContextKey = "channel"

// WebhookTokenHeader carries the per-channel shared secret.
const WebhookTokenHeader = "X-Webhook-Token"

// ChannelLookup resolves a channel id.
type ChannelLookup interface {
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
}

// ChannelAuth authenticates webhook deliveries against the {channelID} in the
// route. The channel, and with it the tenant, is placed on the context. The
// token is read from X-Webhook-Token, falling back to ?token= for providers
// that cannot set headers.
func ChannelAuth(channels ChannelLookup, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			channelID := chi.URLParam(r, "channelID")
			if channelID == "" {
				writeError(w, http.StatusNotFound, "not_found", "unknown channel")
				return
			}

			ch, err := channels.GetChannel(r.Context(), channelID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusNotFound, "not_found", "unknown channel")
					return
				}
				log.Error("channel lookup failed", zap.String("channel_id", channelID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal", "channel lookup failed")
				return
			}

			token := r.Header.Get(WebhookTokenHeader)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if ch.WebhookToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(ch.WebhookToken)) != 1 {
				log.Warn("webhook token rejected", zap.String("channel_id", channelID), zap.String("remote_addr", r.RemoteAddr))
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook token")
				return
			}

			ctx := context.WithValue(r.Context(), ChannelKey, ch)
			ctx = context.WithValue(ctx, TenantIDKey, ch.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetChannel gets the authenticated webhook channel from context.
func GetChannel(ctx context.Context) *model.Channel {
	if ch, ok := ctx.Value(ChannelKey).(*model.Channel); ok {
		return ch
	}
	return nil
}
