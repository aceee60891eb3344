// Package provider is the HTTP client for the WhatsApp transport provider's
// outbound send API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

var (
	// ErrNotConfigured is returned when no provider URL is set.
	ErrNotConfigured = errors.New("provider: api url not configured")
	// ErrRejected is returned when the provider answers with an error status.
	ErrRejected = errors.New("provider: send rejected")
)

// TextRequest is the body of POST /send/text.
type TextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// MediaRequest is the body of POST /send/media.
type MediaRequest struct {
	Number   string `json:"number"`
	Type     string `json:"type"`
	MediaURL string `json:"media_url"`
	Caption  string `json:"caption,omitempty"`
}

// SendResponse is the subset of the provider reply we use.
type SendResponse struct {
	MessageID string `json:"messageid"`
	ID        string `json:"id"`
	Status    string `json:"status"`
}

// ProviderMessageID returns whichever id field the provider filled.
func (r *SendResponse) ProviderMessageID() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.ID
}

// Client sends outbound messages.
type Client struct {
	http       *resty.Client
	configured bool
	log        *logger.Logger
}

// New creates a provider client. token is sent both as the provider's
// "token" header and as a bearer token.
func New(baseURL, token string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		rc.SetHeader("token", token).SetAuthToken(token)
	}
	return &Client{
		http:       rc,
		configured: strings.TrimSpace(baseURL) != "",
		log:        log.Named("provider"),
	}
}

// SendText sends a plain text message to number.
func (c *Client) SendText(ctx context.Context, number, text string) (*SendResponse, error) {
	return c.post(ctx, "/send/text", TextRequest{Number: number, Text: text})
}

// SendMedia sends a media message referencing mediaURL.
func (c *Client) SendMedia(ctx context.Context, number, mediaType, mediaURL, caption string) (*SendResponse, error) {
	return c.post(ctx, "/send/media", MediaRequest{Number: number, Type: mediaType, MediaURL: mediaURL, Caption: caption})
}

func (c *Client) post(ctx context.Context, path string, body any) (*SendResponse, error) {
	if !c.configured {
		return nil, ErrNotConfigured
	}

	var out SendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err != nil {
		c.log.Warn("provider call failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("provider %s: %w", path, err)
	}
	if resp.IsError() {
		c.log.Warn("provider returned error",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", truncate(resp.String(), 256)),
		)
		return nil, fmt.Errorf("%w: %s status %d", ErrRejected, path, resp.StatusCode())
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
