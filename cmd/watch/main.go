// Package main is a terminal client that follows one conversation live.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-inbox/internal/model"
	natsclient "github.com/capitalize-ai/whatsapp-inbox/internal/nats"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/livesync"
	"github.com/capitalize-ai/whatsapp-inbox/pkg/logger"
)

type options struct {
	apiURL         string
	token          string
	conversationID string
	source         string
	natsURL        string
	tenantID       string
	cacheFile      string
	redisAddr      string
	redisNamespace string
	limit          int
	flushInterval  time.Duration
	stdin          bool
	logLevel       string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "watch",
		Short:        "Follow a WhatsApp inbox conversation in real time",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.apiURL, "api", envOr("WATCH_API_URL", "http://localhost:8080"), "inbox API base URL")
	f.StringVar(&opts.token, "token", os.Getenv("WATCH_TOKEN"), "API bearer token")
	f.StringVarP(&opts.conversationID, "conversation", "c", "", "conversation id")
	f.StringVar(&opts.source, "source", "sse", "delta source: sse or nats")
	f.StringVar(&opts.natsURL, "nats-url", envOr("NATS_URL", "nats://localhost:4222"), "NATS URL for --source=nats")
	f.StringVar(&opts.tenantID, "tenant", "", "tenant id for --source=nats")
	f.StringVar(&opts.cacheFile, "cache-file", "", "persist the processed-message cache to this file")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "persist the processed-message cache in Redis")
	f.StringVar(&opts.redisNamespace, "redis-namespace", "", "Redis cache namespace (default: conversation id)")
	f.IntVar(&opts.limit, "limit", livesync.DefaultFetchLimit, "messages loaded at start")
	f.DurationVar(&opts.flushInterval, "flush-interval", time.Minute, "how often the cache is persisted")
	f.BoolVar(&opts.stdin, "stdin", false, "send each stdin line as a message")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, opts *options) error {
	log, err := logger.New(opts.logLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshots, closeSnapshots, err := openSnapshotter(opts)
	if err != nil {
		return err
	}
	defer closeSnapshots()

	var cacheOpts []livesync.CacheOption
	if snapshots != nil {
		cacheOpts = append(cacheOpts, livesync.WithSnapshotter(snapshots))
	}
	cache := livesync.NewCache(cacheOpts...)
	if err := cache.Load(ctx); err != nil {
		log.Warn("failed to load processed cache, starting empty", zap.Error(err))
	}

	api := livesync.NewHTTPClient(opts.apiURL, opts.token, 15*time.Second)

	source, closeSource, err := openSource(ctx, opts, log)
	if err != nil {
		return err
	}
	defer closeSource()

	session := livesync.NewSession(livesync.SessionConfig{
		ConversationID: opts.conversationID,
		FetchLimit:     opts.limit,
		OnChange: func(msgs []model.Message) {
			if len(msgs) == 0 {
				return
			}
			last := msgs[len(msgs)-1]
			log.Info("conversation changed",
				zap.Int("messages", len(msgs)),
				zap.String("last_id", last.ID),
				zap.String("last_direction", string(last.Direction)),
				zap.String("last_status", string(last.Status)),
				zap.String("last_content", last.Content),
			)
		},
	}, cache, api, source, api, log)

	go flushLoop(ctx, cache, opts.flushInterval, log)
	if opts.stdin {
		go sendLines(ctx, session, log)
	}

	runErr := session.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cache.Flush(flushCtx); err != nil {
		log.Warn("failed to persist processed cache", zap.Error(err))
	}
	if runErr != nil {
		log.Error("session ended", zap.Error(runErr))
	}
	return runErr
}

func openSnapshotter(opts *options) (livesync.Snapshotter, func(), error) {
	switch {
	case opts.redisAddr != "" && opts.cacheFile != "":
		return nil, nil, errors.New("--cache-file and --redis-addr are exclusive")
	case opts.redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		ns := opts.redisNamespace
		if ns == "" {
			ns = opts.conversationID
		}
		return livesync.NewRedisSnapshotter(client, ns, livesync.DefaultTTL), func() { _ = client.Close() }, nil
	case opts.cacheFile != "":
		return &livesync.FileSnapshotter{Path: opts.cacheFile}, func() {}, nil
	}
	return nil, func() {}, nil
}

func openSource(ctx context.Context, opts *options, log *logger.Logger) (livesync.Source, func(), error) {
	switch opts.source {
	case "sse":
		return livesync.NewSSESource(opts.apiURL, opts.token), func() {}, nil
	case "nats":
		if opts.tenantID == "" {
			return nil, nil, errors.New("--tenant is required with --source=nats")
		}
		client, err := natsclient.Connect(ctx, natsclient.Config{URL: opts.natsURL, Name: "whatsapp-inbox-watch"}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		return livesync.NewNATSSource(client.JetStream(), opts.tenantID), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown source %q", opts.source)
}

func flushLoop(ctx context.Context, cache *livesync.Cache, every time.Duration, log *logger.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.Flush(ctx); err != nil {
				log.Warn("failed to persist processed cache", zap.Error(err))
			}
		}
	}
}

func sendLines(ctx context.Context, session *livesync.Session, log *logger.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		cid, err := session.SendOptimistic(ctx, line)
		if err != nil {
			log.Warn("send failed", zap.String("correlation_id", cid), zap.Error(err))
			continue
		}
		log.Debug("sent", zap.String("correlation_id", cid))
	}
}
