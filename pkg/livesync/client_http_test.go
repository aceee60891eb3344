package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

func TestHTTPClientFetchLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.ListMessagesResponse{
			Messages: []model.Message{{ID: "m1", Content: "hi"}, {ID: "m2", Content: "there"}},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "tok", time.Second)
	msgs, err := c.FetchLatest(context.Background(), "c1", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(msgs))
}

func TestHTTPClientSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req model.SendMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Content)
		assert.Equal(t, "corr-1", req.CorrelationID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(model.Message{
			ID:            "out-1",
			Content:       req.Content,
			CorrelationID: model.StringPtr(req.CorrelationID),
			Status:        model.StatusSent,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	m, err := c.Send(context.Background(), "c1", model.SendMessageRequest{Content: "hello", CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, "out-1", m.ID)
	assert.Equal(t, "corr-1", model.Deref(m.CorrelationID))
}

func TestHTTPClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"conversation not found"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	_, err := c.FetchLatest(context.Background(), "missing", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAPI))
	assert.Contains(t, err.Error(), "not_found")
}

func TestReadEvents(t *testing.T) {
	body := strings.Join([]string{
		": comment",
		"event: connected",
		`data: {"conversation_id":"c1"}`,
		"",
		"id: 5",
		"event: message.created",
		"data: line one",
		"data: line two",
		"",
		"data: no name",
		"",
		"",
	}, "\n")

	type ev struct{ name, data string }
	var got []ev
	err := readEvents(strings.NewReader(body), func(event string, data []byte) error {
		got = append(got, ev{event, string(data)})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []ev{
		{"connected", `{"conversation_id":"c1"}`},
		{"message.created", "line one\nline two"},
		{"message", "no name"},
	}, got)
}

func TestSSESourceDeliversDeltasAndReportsEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/conversations/c1/stream", r.URL.Path)
		assert.Equal(t, "41", r.Header.Get("Last-Event-ID"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		d := model.Delta{
			Kind:           model.DeltaMessageCreated,
			ConversationID: "c1",
			Message:        &model.Message{ID: "m1", Content: "hi"},
			Sequence:       42,
		}
		data, _ := json.Marshal(d)
		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		fmt.Fprintf(w, "id: 42\nevent: message.created\ndata: %s\n\n", data)
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
	}))
	defer srv.Close()

	var (
		mu     sync.Mutex
		deltas []model.Delta
	)
	errs := make(chan error, 1)
	src := NewSSESource(srv.URL, "tok")
	sub, err := src.Subscribe(context.Background(), "c1", 41,
		func(d model.Delta) {
			mu.Lock()
			deltas = append(deltas, d)
			mu.Unlock()
		},
		func(err error) { errs <- err })
	require.NoError(t, err)
	defer sub.Stop()

	select {
	case err := <-errs:
		assert.Error(t, err, "the end of the stream is a transport error")
	case <-time.After(waitFor):
		t.Fatal("stream end not reported")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deltas, 1)
	assert.Equal(t, uint64(42), deltas[0].Sequence)
	assert.Equal(t, "m1", deltas[0].Message.ID)
}

func TestSSESourceRelayErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `event: error`+"\n"+`data: {"code":"overflow","message":"reconnect with Last-Event-ID"}`+"\n\n")
	}))
	defer srv.Close()

	errs := make(chan error, 1)
	sub, err := NewSSESource(srv.URL, "").Subscribe(context.Background(), "c1", 0,
		func(model.Delta) {}, func(err error) { errs <- err })
	require.NoError(t, err)
	defer sub.Stop()

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "overflow")
	case <-time.After(waitFor):
		t.Fatal("error event not reported")
	}
}

func TestSSESourceRejectedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewSSESource(srv.URL, "bad").Subscribe(context.Background(), "c1", 0,
		func(model.Delta) {}, func(error) {})
	assert.ErrorIs(t, err, ErrAPI)
}

func TestSSESourceStopIsQuiet(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-block:
		}
	}))
	defer srv.Close()
	defer close(block)

	errs := make(chan error, 1)
	sub, err := NewSSESource(srv.URL, "").Subscribe(context.Background(), "c1", 0,
		func(model.Delta) {}, func(err error) { errs <- err })
	require.NoError(t, err)
	sub.Stop()

	select {
	case err := <-errs:
		t.Fatalf("unexpected transport error after Stop: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
