package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type NotifierConfig struct {
	Common

	EventChannel      string        `envconfig:"EVENT_CHANNEL" default:"memory"`
	KafkaBrokers      []string      `envconfig:"KAFKA_BROKERS"`
	EventTopic        string        `envconfig:"EVENT_TOPIC" default:"question-events"`
	ConsumerGroup     string        `envconfig:"CONSUMER_GROUP" default:"notifier"`
	Partitions        int           `envconfig:"EVENT_PARTITIONS" default:"4"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"30s"`

	StoreDSN string `envconfig:"STORE_DSN" default:"file:notifications.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"`

	Workers           int           `envconfig:"WORKERS" default:"4"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`
	RetryJitter       float64       `envconfig:"RETRY_JITTER" default:"0.2"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`
	ResolveTimeout    time.Duration `envconfig:"RESOLVE_TIMEOUT" default:"5s"`
	StoreTimeout      time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
	Retention         time.Duration `envconfig:"RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`

	Channels         []string `envconfig:"CHANNELS" default:"in_app"`
	EmailWebhookURL  string   `envconfig:"EMAIL_WEBHOOK_URL"`
	PushWebhookURL   string   `envconfig:"PUSH_WEBHOOK_URL"`
	WebhookAuthToken string   `envconfig:"WEBHOOK_AUTH_TOKEN"`

	RecipientResolverURL string `envconfig:"RECIPIENT_RESOLVER_URL"`

	InboxMaxItems int64         `envconfig:"INBOX_MAX_ITEMS" default:"200"`
	InboxTTL      time.Duration `envconfig:"INBOX_TTL" default:"168h"`
}

func LoadNotifier(version, commit, buildDate string) (*NotifierConfig, error) {
	var cfg NotifierConfig
	if err := load(&cfg, &cfg.Common, version, commit, buildDate); err != nil {
		return nil, err
	}
	if cfg.TraceServiceName == "" {
		cfg.TraceServiceName = "notifier"
	}
	return &cfg, cfg.Validate()
}

func (c *NotifierConfig) Validate() error {
	errs := []error{c.Common.validate()}

	switch c.EventChannel {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when EVENT_CHANNEL=redis"))
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when EVENT_CHANNEL=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("EVENT_CHANNEL must be memory, redis or kafka, got %q", c.EventChannel))
	}

	if c.StoreDSN == "" {
		errs = append(errs, errors.New("STORE_DSN is required"))
	}
	if c.Workers <= 0 || c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("WORKERS and MAX_ATTEMPTS must be positive"))
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		errs = append(errs, fmt.Errorf("RETRY_JITTER must be within [0,1], got %v", c.RetryJitter))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY"))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("CHANNELS must name at least one channel"))
	}
	for _, ch := range c.Channels {
		switch ch {
		case "in_app":
		case "email":
			if c.EmailWebhookURL == "" {
				errs = append(errs, errors.New("EMAIL_WEBHOOK_URL is required for the email channel"))
			}
		case "push":
			if c.PushWebhookURL == "" {
				errs = append(errs, errors.New("PUSH_WEBHOOK_URL is required for the push channel"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown channel %q", ch))
		}
	}
	return errors.Join(errs...)
}

// InboxEnabled reports whether in-app delivery goes to the Redis inbox.
func (c *NotifierConfig) InboxEnabled() bool {
	return slices.Contains(c.Channels, "in_app") && c.RedisURL != ""
}
