package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store/memory"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, tenantID string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "agent-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenantID,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func echoTenant(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetTenantID(r.Context()) + "|" + GetUserID(r.Context())))
}

func TestAuth(t *testing.T) {
	h := Auth(testSecret)(http.HandlerFunc(echoTenant))

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + signToken(t, "t1"), http.StatusOK, "t1|agent-1"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
		{"no tenant", "Bearer " + signToken(t, ""), http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"code"`)
			}
		})
	}
}

func TestChannelAuth(t *testing.T) {
	mem := memory.New()
	require.NoError(t, mem.UpsertChannel(context.Background(), &model.Channel{ID: "ch1", TenantID: "t1", WebhookToken: "s3cret"}))

	r := chi.NewRouter()
	r.With(ChannelAuth(mem, logger.NewNop())).Post("/webhooks/{channelID}", func(w http.ResponseWriter, r *http.Request) {
		ch := GetChannel(r.Context())
		_, _ = w.Write([]byte(ch.TenantID + "|" + GetTenantID(r.Context())))
	})

	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{"header token", "/webhooks/ch1", "s3cret", http.StatusOK},
		{"query token", "/webhooks/ch1?token=s3cret", "", http.StatusOK},
		{"wrong token", "/webhooks/ch1", "nope", http.StatusUnauthorized},
		{"no token", "/webhooks/ch1", "", http.StatusUnauthorized},
		{"unknown channel", "/webhooks/ch9", "s3cret", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader("{}"))
			if tt.header != "" {
				req.Header.Set(WebhookTokenHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "t1|t1", rec.Body.String())
			}
		})
	}
}

func TestLoggingCorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get(CorrelationIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(CorrelationIDHeader))
}

func TestLoggingKeepsFlusher(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestWebhookRateLimitPerChannel(t *testing.T) {
	r := chi.NewRouter()
	r.With(WebhookRateLimit(2, time.Minute)).Post("/webhooks/{channelID}", func(w http.ResponseWriter, r *http.Request) {})

	do := func(ch string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/"+ch, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
	assert.Equal(t, http.StatusOK, do("b"))
}

func TestValidateMessageContent(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("hi", ""))
	assert.NoError(t, ValidateMessageContent("", "https://cdn/x.jpg"))
	assert.Error(t, ValidateMessageContent("", ""))
	assert.Error(t, ValidateMessageContent(strings.Repeat("a", MaxContentBytes+1), ""))
	assert.Error(t, ValidateMessageContent("\xff", ""))
}
