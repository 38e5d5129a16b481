package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/application"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/config"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/eventbus"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/handler"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/middleware"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/jwt"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/logging"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/notifystore"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/observability"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/ratelimit"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/recipients"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/redis"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/sender"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/tracing"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.LoadNotifier(version, commit, buildDate)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logging.Setup(cfg.IsProduction(), cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("notifier stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("notifier exited")
}

func run(cfg *config.NotifierConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := observability.NewRegistry()
	metrics := observability.NewNotifierMetrics(reg)
	tracer := tracing.NewExporter(cfg.TraceExporter, cfg.TraceOTLPEndpoint, cfg.TraceServiceName)

	var readiness []handler.ReadinessCheck

	var rc *redis.Client
	if cfg.RedisURL != "" {
		var err error
		rc, err = redis.NewClient(cfg.RedisURL, redis.Options{ClientName: "notifier"})
		if err != nil {
			return err
		}
		defer rc.Close()
		readiness = append(readiness, handler.ReadinessCheck{Name: "redis", Check: rc.Check})
	}

	store, err := notifystore.OpenSQLite(cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer store.Close()
	readiness = append(readiness, handler.ReadinessCheck{Name: "store", Check: store.Ping})

	channel, err := newEventChannel(ctx, cfg, rc)
	if err != nil {
		return err
	}
	defer channel.Close()
	events := tracing.NewTracedChannel(channel, tracer, cfg.TraceServiceName, cfg.EventTopic)

	senders, inbox := newSenders(cfg, rc)
	renderer, err := application.NewRenderer(application.DefaultTemplates())
	if err != nil {
		return err
	}

	dispatcher := application.NewDispatcher(application.DispatcherConfig{
		Workers:           cfg.Workers,
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		Jitter:            cfg.RetryJitter,
		SendTimeout:       cfg.SendTimeout,
		ResolveTimeout:    cfg.ResolveTimeout,
		StoreTimeout:      cfg.StoreTimeout,
		Retention:         cfg.Retention,
		RetentionInterval: cfg.RetentionInterval,
	}, events, store, newResolver(cfg), senders, renderer, application.WithDispatchMetrics(metrics))

	serviceAuth, err := newServiceAuth(cfg.Common)
	if err != nil {
		return err
	}

	var limiter ratelimit.RateLimiter = ratelimit.NewInMemoryLimiter(time.Minute)
	if rc != nil {
		limiter = ratelimit.NewLimiter(rc.Client, time.Minute)
	}

	routes := http.NotifierRoutes{
		EngineOptions: http.EngineOptions{
			Production:  cfg.IsProduction(),
			ServiceName: cfg.TraceServiceName,
			Tracer:      tracer,
			Metrics:     reg,
		},
		Version:         version,
		StartTime:       time.Now(),
		ServiceAuth:     serviceAuth,
		Publisher:       events,
		Store:           store,
		EventMetrics:    metrics,
		InternalLimiter: limiter,
		InternalRPM:     cfg.InternalRateLimitRPM,
		Readiness:       readiness,
	}
	if inbox != nil {
		routes.Inbox = inbox
	}
	server := http.NewServer(cfg.Port, http.NewNotifierRouter(routes))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting notifier",
			slog.Int("port", cfg.Port),
			slog.String("env", cfg.Env),
			slog.String("event_channel", cfg.EventChannel),
			slog.Any("channels", cfg.Channels),
			slog.String("version", version),
			slog.String("commit", commit),
			slog.String("build_date", buildDate),
		)
		return server.Run()
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down notifier")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newEventChannel(ctx context.Context, cfg *config.NotifierConfig, rc *redis.Client) (domain.EventChannel, error) {
	switch cfg.EventChannel {
	case "redis":
		return eventbus.NewRedisStreamChannel(rc.Client, eventbus.RedisOptions{
			Stream:            cfg.EventTopic,
			Group:             cfg.ConsumerGroup,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}), nil
	case "kafka":
		ch, err := eventbus.NewKafkaChannel(eventbus.KafkaOptions{
			Brokers:           cfg.KafkaBrokers,
			Topic:             cfg.EventTopic,
			Group:             cfg.ConsumerGroup,
			Partitions:        int32(cfg.Partitions),
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
		if err != nil {
			return nil, err
		}
		if err := ch.EnsureTopics(ctx); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	default:
		slog.Warn("using in-process event channel, events are lost on restart")
		return eventbus.NewMemoryChannel(eventbus.MemoryOptions{
			Partitions:        cfg.Partitions,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}), nil
	}
}

// newSenders builds one sender per configured channel. In-app messages go
// to the Redis inbox when Redis is configured and to the log otherwise.
func newSenders(cfg *config.NotifierConfig, rc *redis.Client) ([]domain.Sender, *sender.InboxSender) {
	var (
		senders []domain.Sender
		inbox   *sender.InboxSender
	)
	webhookOpts := func() []sender.WebhookOption {
		if cfg.WebhookAuthToken == "" {
			return nil
		}
		return []sender.WebhookOption{sender.WithAuthorization("Bearer " + cfg.WebhookAuthToken)}
	}

	for _, name := range cfg.Channels {
		switch ch := domain.Channel(name); ch {
		case domain.ChannelInApp:
			if cfg.InboxEnabled() {
				inbox = sender.NewInboxSender(rc.Client, sender.InboxOptions{
					MaxItems:  cfg.InboxMaxItems,
					MarkerTTL: cfg.InboxTTL,
				})
				senders = append(senders, inbox)
				continue
			}
			senders = append(senders, sender.NewLogSender(ch, slog.Default()))
		case domain.ChannelEmail:
			senders = append(senders, sender.NewWebhookSender(ch, cfg.EmailWebhookURL, webhookOpts()...))
		case domain.ChannelPush:
			senders = append(senders, sender.NewWebhookSender(ch, cfg.PushWebhookURL, webhookOpts()...))
		}
	}
	return senders, inbox
}

func newResolver(cfg *config.NotifierConfig) domain.RecipientResolver {
	if cfg.RecipientResolverURL == "" {
		channels := make([]domain.Channel, 0, len(cfg.Channels))
		for _, name := range cfg.Channels {
			channels = append(channels, domain.Channel(name))
		}
		return recipients.NewPayloadResolver(channels)
	}

	var opts []recipients.HTTPOption
	if cfg.ServiceToken != "" {
		opts = append(opts, recipients.WithServiceToken(func() (string, error) {
			return cfg.ServiceToken, nil
		}))
	}
	return recipients.NewHTTPResolver(cfg.RecipientResolverURL, opts...)
}

func newServiceAuth(cfg config.Common) (*middleware.ServiceAuth, error) {
	var validator middleware.ServiceTokenValidator
	if cfg.ServiceTokenPublicKey != "" {
		key, err := jwt.ParseRSAPublicKey(cfg.ServiceTokenPublicKey)
		if err != nil {
			return nil, fmt.Errorf("service token public key: %w", err)
		}
		validator = jwt.NewServiceTokenValidator(key)
	}
	var secret func(string) bool
	if cfg.ServiceToken != "" {
		secret = func(token string) bool {
			return application.ConstantTimeEqual(cfg.ServiceToken, token)
		}
	}
	return middleware.NewServiceAuth(secret, validator), nil
}
