package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/middleware"
	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/service"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

// WebhookHandler receives provider and agent-inbox webhooks. Every route
// runs behind middleware.ChannelAuth, which supplies the channel.
type WebhookHandler struct {
	ingestor *service.Ingestor
	messages *service.MessageService
	inbox    *service.InboxMirror
	logger   *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(ingestor *service.Ingestor, messages *service.MessageService, inbox *service.InboxMirror, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingestor: ingestor,
		messages: messages,
		inbox:    inbox,
		logger:   log.Named("webhook"),
	}
}

// Receive handles POST /webhooks/whatsapp/{channelID}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channel := middleware.GetChannel(ctx)

	var payload map[string]any
	if err := readJSON(w, r, &payload); err != nil {
		h.logger.Warn("undecodable webhook body", zap.String("channel_id", channel.ID), zap.Error(err))
		writeJSON(w, http.StatusOK, service.Result{Status: service.OutcomeIgnored, Reason: reasonInvalidBody})
		return
	}

	res, err := h.ingestor.Ingest(ctx, channel, middleware.GetCorrelationID(ctx), payload)
	if err != nil {
		// The ingestor already logged and dead-lettered the delivery.
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StatusCallback is a provider delivery receipt.
type StatusCallback struct {
	MessageID   flexibleID `json:"messageid"`
	ID          flexibleID `json:"id"`
	AltID       flexibleID `json:"message_id"`
	Status      string     `json:"status"`
	ProviderAck string     `json:"ack"`
}

func (c StatusCallback) providerID() string {
	for _, v := range []flexibleID{c.MessageID, c.ID, c.AltID} {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

// flexibleID accepts a message id sent as a JSON string or number.
type flexibleID string

func (p *flexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = flexibleID(n.String())
	return nil
}

// StatusResult acknowledges a status callback.
type StatusResult struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Status handles POST /webhooks/whatsapp/{channelID}/status. Receipts we
// cannot apply are acknowledged as ignored so the provider does not retry.
func (h *WebhookHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channel := middleware.GetChannel(ctx)

	var cb StatusCallback
	if err := readJSON(w, r, &cb); err != nil {
		writeJSON(w, http.StatusOK, StatusResult{Status: "ignored", Reason: reasonInvalidBody})
		return
	}
	word := cb.Status
	if word == "" {
		word = cb.ProviderAck
	}
	status, ok := model.ParseMessageStatus(word)
	if !ok {
		writeJSON(w, http.StatusOK, StatusResult{Status: "ignored", Reason: "unknown_status"})
		return
	}

	msg, applied, err := h.messages.UpdateStatus(ctx, channel.TenantID, cb.providerID(), status)
	switch {
	case errors.Is(err, service.ErrValidation):
		writeJSON(w, http.StatusOK, StatusResult{Status: "ignored", Reason: "missing_message_id"})
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusOK, StatusResult{Status: "ignored", Reason: "unknown_message"})
	case err != nil:
		h.logger.Error("status callback failed",
			zap.String("channel_id", channel.ID),
			zap.String("provider_message_id", cb.providerID()),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal", "status update failed")
	case !applied:
		writeJSON(w, http.StatusOK, StatusResult{Status: "ignored", Reason: "stale_status", MessageID: msg.ID})
	default:
		writeJSON(w, http.StatusOK, StatusResult{Status: "applied", MessageID: msg.ID})
	}
}

// Inbox handles POST /webhooks/inbox/{channelID}
func (h *WebhookHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channel := middleware.GetChannel(ctx)

	var ev service.InboxEvent
	if !decodeJSON(w, r, &ev) {
		return
	}

	res, err := h.inbox.Apply(ctx, channel, ev)
	if err != nil {
		writeServiceError(w, h.logger, err, "inbox mirror")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
