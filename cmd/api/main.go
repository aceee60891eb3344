// Package main is the entry point for the WhatsApp inbox API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/config"
	"github.com/capitalize-ai/whatsapp-inbox/internal/handler"
	"github.com/capitalize-ai/whatsapp-inbox/internal/identity"
	"github.com/capitalize-ai/whatsapp-inbox/internal/media"
	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	natsclient "github.com/capitalize-ai/whatsapp-inbox/internal/nats"
	"github.com/capitalize-ai/whatsapp-inbox/internal/provider"
	"github.com/capitalize-ai/whatsapp-inbox/internal/service"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store/memory"
	"github.com/capitalize-ai/whatsapp-inbox/internal/store/postgres"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "whatsapp-inbox", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.Close()

	for _, b := range cfg.WebhookChannels {
		ch := &model.Channel{ID: b.ChannelID, TenantID: b.TenantID, WebhookToken: b.Token}
		if err := st.UpsertChannel(ctx, ch); err != nil {
			log.Fatal("failed to register channel", zap.String("channel_id", b.ChannelID), zap.Error(err))
		}
		log.Info("webhook channel registered", zap.String("channel_id", b.ChannelID), zap.String("tenant_id", b.TenantID))
	}

	blobs, err := media.NewFSStore(cfg.MediaRoot, cfg.MediaPublicURL)
	if err != nil {
		log.Fatal("failed to open media root", zap.String("root", cfg.MediaRoot), zap.Error(err))
	}
	var credentialHosts []string
	if u, err := url.Parse(cfg.ProviderAPIURL); err == nil && u.Host != "" {
		credentialHosts = append(credentialHosts, u.Host)
	}
	relocator := media.NewPipeline(blobs, cfg.MediaFetchTimeout, log, media.WithCredentialHosts(credentialHosts...))
	sender := provider.New(cfg.ProviderAPIURL, cfg.ProviderToken, 30*time.Second, log)

	// Realtime deltas are optional; without NATS the inbox still ingests
	// and the SSE route is not mounted.
	var (
		publisher     service.Publisher = service.NopPublisher{}
		streamManager *natsclient.StreamManager
		natsPinger    handler.Pinger
	)
	if cfg.NATSEnabled {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "whatsapp-inbox-api",
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		streamManager = natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		publisher = streamManager
		natsPinger = natsClient
	}

	resolver := identity.NewResolver(cfg.DomesticCountryCode)
	contacts := service.NewContactReconciler(st, st, relocator, log)
	conversations := service.NewConversationManager(st, publisher, log)
	persister := service.NewMessagePersister(st, log)
	ingestor := service.NewIngestor(
		resolver,
		service.NewIdempotencyGate(st),
		contacts,
		conversations,
		persister,
		relocator,
		publisher,
		service.IngestorConfig{Timeout: cfg.IngestTimeout, MediaCredential: cfg.ProviderToken},
		log,
	)
	messages := service.NewMessageService(st, conversations, persister, sender, publisher, cfg.DomesticCountryCode, log)
	inbox := service.NewInboxMirror(resolver, contacts, conversations, log)

	var stream *handler.StreamHandler
	if streamManager != nil {
		stream = handler.NewStreamHandler(streamManager, conversations, log)
	}

	router := handler.NewRouter(handler.RouterConfig{
		Health:                   handler.NewHealthHandler(st, natsPinger),
		Webhooks:                 handler.NewWebhookHandler(ingestor, messages, inbox, log),
		Conversations:            handler.NewConversationHandler(conversations, log),
		Messages:                 handler.NewMessageHandler(messages, log),
		Stream:                   stream,
		Channels:                 st,
		JWTSecret:                cfg.JWTSecret,
		RateLimitRequests:        cfg.RateLimitRequests,
		RateLimitWindow:          cfg.RateLimitWindow,
		WebhookRateLimitRequests: cfg.WebhookRateLimitRequests,
		CORSOrigins:              cfg.CORSOrigins,
		MediaRoot:                blobs.Root(),
		Logger:                   log,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ServerReadTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return postgres.Connect(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
