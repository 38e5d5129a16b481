package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type GatewayConfig struct {
	Common

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	CORSAllowedMethods []string `envconfig:"CORS_ALLOWED_METHODS" default:"GET,POST,PUT,PATCH,DELETE,OPTIONS"`
	CORSAllowedHeaders []string `envconfig:"CORS_ALLOWED_HEADERS" default:"Origin,Content-Type,Accept,Authorization,X-Request-ID"`

	RoutesFile   string `envconfig:"ROUTES_FILE" default:"configs/routes.yaml"`
	LoadBalancer string `envconfig:"LOAD_BALANCER" default:"round_robin"`

	RegistryStore             string        `envconfig:"REGISTRY_STORE" default:"memory"`
	HeartbeatInterval         time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	LeaseMultiplier           int           `envconfig:"LEASE_MULTIPLIER" default:"3"`
	RegistryTimeout           time.Duration `envconfig:"REGISTRY_TIMEOUT" default:"2s"`
	RegistryRefreshInterval   time.Duration `envconfig:"REGISTRY_REFRESH_INTERVAL" default:"5s"`
	RegistryRefreshMaxBackoff time.Duration `envconfig:"REGISTRY_REFRESH_MAX_BACKOFF" default:"30s"`

	ForwardTimeout time.Duration `envconfig:"FORWARD_TIMEOUT" default:"30s"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"1"`
	MaxBodyBytes   int64         `envconfig:"MAX_BODY_BYTES" default:"10485760"`

	JWKSURL            string        `envconfig:"JWKS_URL"`
	JWTPublicKey       string        `envconfig:"JWT_PUBLIC_KEY"`
	JWTIssuer          string        `envconfig:"JWT_ISSUER"`
	JWTAudience        string        `envconfig:"JWT_AUDIENCE"`
	JWTLeeway          time.Duration `envconfig:"JWT_LEEWAY" default:"30s"`
	JWKSCacheTTL       time.Duration `envconfig:"JWKS_CACHE_TTL" default:"10m"`
	JWKSTimeout        time.Duration `envconfig:"JWKS_TIMEOUT" default:"5s"`
	JWKSForcedInterval time.Duration `envconfig:"JWKS_FORCED_REFRESH_INTERVAL" default:"10s"`
	AuthTimeout        time.Duration `envconfig:"AUTH_TIMEOUT" default:"5s"`

	InternalTokenPrivateKey string        `envconfig:"INTERNAL_TOKEN_PRIVATE_KEY"`
	InternalTokenIssuer     string        `envconfig:"INTERNAL_TOKEN_ISSUER" default:"api-gateway"`
	InternalTokenTTL        time.Duration `envconfig:"INTERNAL_TOKEN_TTL" default:"5m"`

	RateLimitEnabled bool          `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
	RateLimitWindow  time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitUserRPM int           `envconfig:"RATE_LIMIT_USER_RPM" default:"100"`
	RateLimitIPRPM   int           `envconfig:"RATE_LIMIT_IP_RPM" default:"60"`
}

func LoadGateway(version, commit, buildDate string) (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := load(&cfg, &cfg.Common, version, commit, buildDate); err != nil {
		return nil, err
	}
	if cfg.TraceServiceName == "" {
		cfg.TraceServiceName = "api-gateway"
	}
	return &cfg, cfg.Validate()
}

func (c *GatewayConfig) Validate() error {
	errs := []error{c.Common.validate()}

	if c.RoutesFile == "" {
		errs = append(errs, errors.New("ROUTES_FILE is required"))
	}
	if c.JWKSURL == "" && c.JWTPublicKey == "" {
		errs = append(errs, errors.New("JWKS_URL or JWT_PUBLIC_KEY is required"))
	}
	if !slices.Contains([]string{"memory", "redis"}, c.RegistryStore) {
		errs = append(errs, fmt.Errorf("REGISTRY_STORE must be memory or redis, got %q", c.RegistryStore))
	}
	if c.RegistryStore == "redis" && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required when REGISTRY_STORE=redis"))
	}
	if !slices.Contains([]string{"round_robin", "least_recently_used"}, c.LoadBalancer) {
		errs = append(errs, fmt.Errorf("LOAD_BALANCER must be round_robin or least_recently_used, got %q", c.LoadBalancer))
	}
	if c.HeartbeatInterval <= 0 || c.LeaseMultiplier < 1 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL and LEASE_MULTIPLIER must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes))
	}
	if c.RateLimitEnabled && (c.RateLimitUserRPM <= 0 || c.RateLimitIPRPM <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_USER_RPM and RATE_LIMIT_IP_RPM must be positive"))
	}
	return errors.Join(errs...)
}
