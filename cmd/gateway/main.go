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
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/handler"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/middleware"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/jwt"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/logging"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/observability"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/proxy"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/ratelimit"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/redis"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/registrystore"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/tracing"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.LoadGateway(version, commit, buildDate)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logging.Setup(cfg.IsProduction(), cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("gateway stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("gateway exited")
}

func run(cfg *config.GatewayConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := observability.NewRegistry()
	metrics := observability.NewGatewayMetrics(reg)
	tracer := tracing.NewExporter(cfg.TraceExporter, cfg.TraceOTLPEndpoint, cfg.TraceServiceName)

	var readiness []handler.ReadinessCheck

	var rc *redis.Client
	if cfg.RedisURL != "" {
		var err error
		rc, err = redis.NewClient(cfg.RedisURL, redis.Options{ClientName: "api-gateway"})
		if err != nil {
			return err
		}
		defer rc.Close()
		readiness = append(readiness, handler.ReadinessCheck{Name: "redis", Check: rc.Check})
	}

	var store domain.RegistryStore = registrystore.NewMemoryStore()
	if cfg.RegistryStore == "redis" {
		store = registrystore.NewRedisStore(rc.Client, registrystore.WithGrace(cfg.HeartbeatInterval))
	}
	registry := application.NewRegistry(application.RegistryConfig{
		ServiceToken:      cfg.ServiceToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LeaseMultiplier:   cfg.LeaseMultiplier,
		StoreTimeout:      cfg.RegistryTimeout,
		RefreshInterval:   cfg.RegistryRefreshInterval,
		RefreshMaxBackoff: cfg.RegistryRefreshMaxBackoff,
	}, store, application.WithRegistryMetrics(metrics))
	if err := registry.Refresh(ctx); err != nil {
		slog.Warn("initial registry load failed, starting empty", slog.Any("error", err))
	}
	registry.Start()
	defer registry.Stop()

	rules, err := config.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		return err
	}
	routes, err := application.NewRouteTable(rules)
	if err != nil {
		return err
	}
	slog.Info("routes loaded", slog.String("file", cfg.RoutesFile), slog.Int("count", len(rules)))

	keys, err := newKeyCache(cfg, metrics)
	if err != nil {
		return err
	}
	keys.Start()
	defer keys.Stop()

	verifier := jwt.NewVerifier(keys, jwt.VerifierConfig{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   cfg.JWTLeeway,
	})

	routerOpts := []proxy.RouterOption{proxy.WithForwardMetrics(metrics)}
	if cfg.InternalTokenPrivateKey != "" {
		key, err := jwt.ParseRSAPrivateKey(cfg.InternalTokenPrivateKey)
		if err != nil {
			return fmt.Errorf("internal token key: %w", err)
		}
		routerOpts = append(routerOpts, proxy.WithTokenMinter(jwt.NewInternalSigner(key, cfg.InternalTokenIssuer, cfg.InternalTokenTTL)))
	}
	router := proxy.NewRouter(proxy.RouterConfig{
		MaxRetries:     cfg.MaxRetries,
		ForwardTimeout: cfg.ForwardTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	}, routes, registry, application.NewLoadBalancer(cfg.LoadBalancer), routerOpts...)

	limiter := newLimiter(rc, cfg.RateLimitWindow)
	var rateLimit proxy.RateLimitConfig
	if cfg.RateLimitEnabled {
		rateLimit = proxy.RateLimitConfig{
			Limiter: limiter,
			Limit:   cfg.RateLimitUserRPM,
			IPLimit: cfg.RateLimitIPRPM,
		}
	}
	pipeline := proxy.NewPipeline(router, application.NewAuthenticator(verifier, cfg.AuthTimeout, metrics), rateLimit, metrics)

	serviceAuth, err := newServiceAuth(cfg.ServiceTokenPublicKey, registry.ValidateToken)
	if err != nil {
		return err
	}

	engine := http.NewGatewayRouter(http.GatewayRoutes{
		EngineOptions: http.EngineOptions{
			Production:  cfg.IsProduction(),
			ServiceName: cfg.TraceServiceName,
			Tracer:      tracer,
			Metrics:     reg,
		},
		Version:   version,
		StartTime: time.Now(),
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: cfg.CORSAllowedMethods,
			AllowedHeaders: cfg.CORSAllowedHeaders,
			ExposedHeaders: []string{middleware.HeaderRequestID, "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		},
		Registry:        registry,
		ServiceAuth:     serviceAuth,
		Keys:            keys,
		Pipeline:        pipeline,
		InternalLimiter: limiter,
		InternalRPM:     cfg.InternalRateLimitRPM,
		Readiness:       readiness,
	})
	server := http.NewServer(cfg.Port, engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting gateway",
			slog.Int("port", cfg.Port),
			slog.String("env", cfg.Env),
			slog.String("version", version),
			slog.String("commit", commit),
			slog.String("build_date", buildDate),
		)
		return server.Run()
	})
	g.Go(func() error {
		reloadRoutes(gctx, cfg.RoutesFile, routes)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down gateway")

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

func newKeyCache(cfg *config.GatewayConfig, metrics jwt.KeyCacheMetrics) (*jwt.KeyCache, error) {
	kc := jwt.KeyCacheConfig{
		JWKSURL:          cfg.JWKSURL,
		TTL:              cfg.JWKSCacheTTL,
		Timeout:          cfg.JWKSTimeout,
		ForcedRefreshGap: cfg.JWKSForcedInterval,
	}
	if cfg.JWTPublicKey != "" {
		key, err := jwt.ParseRSAPublicKey(cfg.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("jwt public key: %w", err)
		}
		kc.StaticKey = key
	}
	return jwt.NewKeyCache(kc, jwt.WithKeyCacheMetrics(metrics))
}

func newServiceAuth(publicKeyPEM string, secret func(string) bool) (*middleware.ServiceAuth, error) {
	var validator middleware.ServiceTokenValidator
	if publicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKey(publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("service token public key: %w", err)
		}
		validator = jwt.NewServiceTokenValidator(key)
	}
	return middleware.NewServiceAuth(secret, validator), nil
}

// newLimiter shares limits across replicas through Redis when available.
func newLimiter(rc *redis.Client, window time.Duration) ratelimit.RateLimiter {
	if rc != nil {
		return ratelimit.NewLimiter(rc.Client, window)
	}
	return ratelimit.NewInMemoryLimiter(window)
}

// reloadRoutes swaps the route table on SIGHUP. A file that fails to parse
// or has colliding patterns leaves the current table in place.
func reloadRoutes(ctx context.Context, path string, routes *application.RouteTable) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			rules, err := config.LoadRoutes(path)
			if err == nil {
				err = routes.Replace(rules)
			}
			if err != nil {
				slog.Error("route reload rejected", slog.String("file", path), slog.Any("error", err))
				continue
			}
			slog.Info("routes reloaded", slog.String("file", path), slog.Int("count", len(rules)))
		}
	}
}
