package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/middleware"
	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	natsclient "github.com/capitalize-ai/whatsapp-inbox/internal/nats"
	"github.com/capitalize-ai/whatsapp-inbox/internal/service"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/metrics"
)

const (
	replayBatch       = 100
	heartbeatInterval = 30 * time.Second
	// liveBuffer is how far the client may fall behind before the relay
	// drops it; it reconnects with Last-Event-ID.
	liveBuffer = 256
)

// DeltaStream is the realtime delta source behind the SSE relay.
type DeltaStream interface {
	SubscribeConversation(ctx context.Context, tenantID, conversationID string, afterSequence uint64, handler func(model.Delta)) (natsclient.Subscription, error)
	Replay(ctx context.Context, tenantID, conversationID string, afterSequence uint64, limit int) ([]model.Delta, uint64, error)
}

// StreamHandler relays conversation deltas over SSE.
type StreamHandler struct {
	stream        DeltaStream
	conversations *service.ConversationManager
	logger        *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(stream DeltaStream, conversations *service.ConversationManager, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		stream:        stream,
		conversations: conversations,
		logger:        log.Named("sse"),
	}
}

// ReplayCompleteEvent marks the end of a resume replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	DeltaCount   int    `json:"delta_count"`
}

// Stream handles GET /api/v1/conversations/{id}/stream
// Resumes after Last-Event-ID (or ?after_sequence=N) when given; otherwise
// only new deltas are relayed.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	conversationID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	if _, err := h.conversations.Get(ctx, tenantID, conversationID); err != nil {
		writeServiceError(w, h.logger, err, "get conversation")
		return
	}

	afterSequence := resumeCursor(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	// The server write timeout does not apply to a live stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.With(zap.String("tenant_id", tenantID), zap.String("conversation_id", conversationID))

	sendSSEEvent(w, flusher, "connected", "", map[string]string{
		"conversation_id": conversationID,
	})

	lastSequence := afterSequence
	if afterSequence > 0 {
		replayed := 0
		for {
			deltas, last, err := h.stream.Replay(ctx, tenantID, conversationID, lastSequence, replayBatch)
			if err != nil {
				log.Error("failed to replay deltas", zap.Error(err))
				sendSSEEvent(w, flusher, "error", "", &model.ErrorEvent{Code: "replay_error", Message: "failed to replay deltas"})
				return
			}
			for _, d := range deltas {
				sendDelta(w, flusher, d)
			}
			replayed += len(deltas)
			lastSequence = last
			if len(deltas) < replayBatch {
				break
			}
		}
		sendSSEEvent(w, flusher, "replay_complete", "", &ReplayCompleteEvent{LastSequence: lastSequence, DeltaCount: replayed})
		log.Info("delta replay complete", zap.Int("deltas_replayed", replayed), zap.Uint64("last_sequence", lastSequence))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	live := make(chan model.Delta, liveBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	sub, err := h.stream.SubscribeConversation(ctx, tenantID, conversationID, lastSequence, func(d model.Delta) {
		if overflowed {
			return
		}
		select {
		case live <- d:
		default:
			overflowed = true
			close(overflow)
		}
	})
	if err != nil {
		log.Error("failed to subscribe", zap.Error(err))
		sendSSEEvent(w, flusher, "error", "", &model.ErrorEvent{Code: "subscribe_error", Message: "failed to subscribe"})
		return
	}
	defer sub.Stop()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case <-overflow:
			log.Warn("SSE client too slow, dropping")
			sendSSEEvent(w, flusher, "error", "", &model.ErrorEvent{Code: "overflow", Message: "reconnect with Last-Event-ID"})
			return

		case d := <-live:
			sendDelta(w, flusher, d)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", "", &model.HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

// resumeCursor reads the stream sequence to resume after.
func resumeCursor(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after_sequence")
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func sendDelta(w http.ResponseWriter, flusher http.Flusher, d model.Delta) {
	id := ""
	if d.Sequence > 0 {
		id = strconv.FormatUint(d.Sequence, 10)
	}
	sendSSEEvent(w, flusher, string(d.Kind), id, d)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event, id string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
