package livesync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

// SSESource reads deltas from the API's server-sent event relay.
type SSESource struct {
	http *resty.Client
}

// NewSSESource creates a source for the API at baseURL. The stream has no
// client timeout; it ends when the subscription is stopped.
func NewSSESource(baseURL, token string) *SSESource {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "text/event-stream")
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &SSESource{http: rc}
}

type sseSubscription struct {
	cancel context.CancelFunc
	body   io.Closer
	once   sync.Once
}

func (s *sseSubscription) Stop() {
	s.once.Do(func() {
		s.cancel()
		_ = s.body.Close()
	})
}

// Subscribe opens the stream, resuming after afterSequence through
// Last-Event-ID.
func (s *SSESource) Subscribe(ctx context.Context, conversationID string, afterSequence uint64, onDelta func(model.Delta), onErr func(error)) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	req := s.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if afterSequence > 0 {
		req.SetHeader("Last-Event-ID", strconv.FormatUint(afterSequence, 10))
	}
	resp, err := req.Get("/api/v1/conversations/" + url.PathEscape(conversationID) + "/stream")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != 200 {
		_ = body.Close()
		cancel()
		return nil, fmt.Errorf("%w: stream status %d", ErrAPI, resp.StatusCode())
	}

	sub := &sseSubscription{cancel: cancel, body: body}
	go func() {
		err := readEvents(body, func(event string, data []byte) error {
			switch event {
			case string(model.DeltaMessageCreated), string(model.DeltaMessageUpdated), string(model.DeltaConversationUpdated):
				var d model.Delta
				if err := json.Unmarshal(data, &d); err != nil {
					return nil
				}
				onDelta(d)
			case "error":
				var e model.ErrorEvent
				_ = json.Unmarshal(data, &e)
				return fmt.Errorf("stream error %s: %s", e.Code, e.Message)
			}
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		onErr(err)
	}()
	return sub, nil
}

// readEvents parses a text/event-stream body, calling fn per dispatched
// event. It returns nil at end of stream.
func readEvents(r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		event string
		data  []byte
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				if event == "" {
					event = "message"
				}
				if err := fn(event, data); err != nil {
					return err
				}
			}
			event, data = "", data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, value...)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
