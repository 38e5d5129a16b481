package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Common holds settings shared by the gateway and notifier binaries.
type Common struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	Env      string `envconfig:"ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	RedisURL string `envconfig:"REDIS_URL" default:""`

	// Shared secret backends and producers present on internal APIs.
	ServiceToken string `envconfig:"SERVICE_TOKEN"`
	// PEM public key for RS256 service tokens; optional alternative to the secret.
	ServiceTokenPublicKey string `envconfig:"SERVICE_TOKEN_PUBLIC_KEY"`

	TraceExporter     string `envconfig:"TRACE_EXPORTER" default:"none"`
	TraceOTLPEndpoint string `envconfig:"TRACE_OTLP_ENDPOINT"`
	TraceServiceName  string `envconfig:"TRACE_SERVICE_NAME"`

	// InternalRateLimitRPM caps requests per calling service on /internal.
	InternalRateLimitRPM int `envconfig:"INTERNAL_RATE_LIMIT_RPM" default:"600"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	Version, Commit, BuildDate string `ignored:"true"`
}

func (c *Common) IsProduction() bool {
	return c.Env == "production"
}

func (c *Common) validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.ServiceToken == "" && c.ServiceTokenPublicKey == "" {
		errs = append(errs, errors.New("SERVICE_TOKEN or SERVICE_TOKEN_PUBLIC_KEY is required"))
	}
	if !slices.Contains([]string{"none", "otlp"}, c.TraceExporter) {
		errs = append(errs, fmt.Errorf("TRACE_EXPORTER must be none or otlp, got %q", c.TraceExporter))
	}
	return errors.Join(errs...)
}

func load(spec any, common *Common, version, commit, buildDate string) error {
	if err := envconfig.Process("", spec); err != nil {
		return err
	}
	common.Version, common.Commit, common.BuildDate = version, commit, buildDate
	return nil
}
