package livesync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
)

// ErrAPI is returned for non-2xx API responses.
var ErrAPI = errors.New("livesync: api error")

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPClient talks to the inbox REST API. It implements Fetcher and Sender.
type HTTPClient struct {
	http *resty.Client
}

// NewHTTPClient creates a client for the API at baseURL, authenticating with
// a bearer token.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &HTTPClient{http: rc}
}

func messagesPath(conversationID string) string {
	return "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
}

// FetchLatest returns the newest limit messages, oldest first.
func (c *HTTPClient) FetchLatest(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var out model.ListMessagesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&out).
		SetError(&apiError{}).
		Get(messagesPath(conversationID))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return out.Messages, nil
}

// Send posts an outbound message and returns the stored copy.
func (c *HTTPClient) Send(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.Message, error) {
	var out model.Message
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		SetError(&apiError{}).
		Post(messagesPath(conversationID))
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return &out, nil
}

func responseError(resp *resty.Response) error {
	if e, ok := resp.Error().(*apiError); ok && e.Error.Code != "" {
		return fmt.Errorf("%w: %d %s: %s", ErrAPI, resp.StatusCode(), e.Error.Code, e.Error.Message)
	}
	return fmt.Errorf("%w: %d", ErrAPI, resp.StatusCode())
}
