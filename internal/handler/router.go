package handler

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/whatsapp-inbox/internal/middleware"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

// RouterConfig collects everything the HTTP surface is built from.
type RouterConfig struct {
	Health        *HealthHandler
	Webhooks      *WebhookHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	// Stream is nil when realtime deltas are disabled.
	Stream *StreamHandler

	Channels  middleware.ChannelLookup
	JWTSecret string

	RateLimitRequests        int
	RateLimitWindow          time.Duration
	WebhookRateLimitRequests int
	CORSOrigins              []string

	// MediaRoot is served read-only under /media/ when set. Directories
	// are never listed.
	MediaRoot string

	Logger *logger.Logger
}

// NewRouter builds the chi router for the API server.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	if cfg.MediaRoot != "" {
		fs := http.StripPrefix("/media/", http.FileServer(filesOnly{http.Dir(cfg.MediaRoot)}))
		r.Handle("/media/*", fs)
	}

	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	r.Route("/webhooks", func(r chi.Router) {
		if cfg.WebhookRateLimitRequests > 0 {
			r.Use(middleware.WebhookRateLimit(cfg.WebhookRateLimitRequests, window))
		}

		r.Route("/whatsapp/{channelID}", func(r chi.Router) {
			r.Use(middleware.ChannelAuth(cfg.Channels, cfg.Logger))
			r.Use(middleware.Tenant)
			r.Post("/", cfg.Webhooks.Receive)
			r.Post("/status", cfg.Webhooks.Status)
		})

		r.Route("/inbox/{channelID}", func(r chi.Router) {
			r.Use(middleware.ChannelAuth(cfg.Channels, cfg.Logger))
			r.Use(middleware.Tenant)
			r.Post("/", cfg.Webhooks.Inbox)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.CORSOrigins))
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.Tenant)
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, window))
		}

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", cfg.Conversations.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Conversations.Get)
				r.Post("/read", cfg.Conversations.MarkRead)
				r.Put("/status", cfg.Conversations.SetStatus)

				r.Get("/messages", cfg.Messages.List)
				r.Post("/messages", cfg.Messages.Send)

				if cfg.Stream != nil {
					r.Get("/stream", cfg.Stream.Stream)
				}
			})
		})
	})

	return r
}

// filesOnly hides directories so relocated media cannot be enumerated.
type filesOnly struct {
	fs http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, os.ErrNotExist
	}
	return file, nil
}
