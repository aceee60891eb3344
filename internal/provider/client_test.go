package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

func TestSendText(t *testing.T) {
	var got TextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send/text", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("token"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messageid":"3EB0ABC","status":"sent"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second, logger.NewNop())
	resp, err := c.SendText(context.Background(), "5511988887777", "olá")
	require.NoError(t, err)

	assert.Equal(t, "3EB0ABC", resp.ProviderMessageID())
	assert.Equal(t, TextRequest{Number: "5511988887777", Text: "olá"}, got)
}

func TestSendMediaUsesIDFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body MediaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "image", body.Type)
		assert.Equal(t, "https://cdn/x.jpg", body.MediaURL)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"XYZ"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, nil)
	resp, err := c.SendMedia(context.Background(), "5511988887777", "image", "https://cdn/x.jpg", "")
	require.NoError(t, err)
	assert.Equal(t, "XYZ", resp.ProviderMessageID())
}

func TestSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid number"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second, logger.NewNop())
	_, err := c.SendText(context.Background(), "123", "x")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSendNotConfigured(t *testing.T) {
	c := New("", "tok", time.Second, logger.NewNop())
	_, err := c.SendText(context.Background(), "123", "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
