package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Shared store backends.
const (
	SharedStorePostgres = "postgres"
	SharedStoreBadger   = "badger"
	SharedStoreMemory   = "memory"
)

// Config is the process configuration of the engine.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	PGDSN       string `env:"PG_DSN"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	JWTSecret   string `env:"AUTH_JWT_SECRET"`

	AgentBaseURL string        `env:"AGENT_BASE_URL"`
	AgentToken   string        `env:"AGENT_TOKEN"`
	AgentTimeout time.Duration `env:"AGENT_TIMEOUT" envDefault:"10s"`

	SafeguardConfigPath string        `env:"SAFEGUARD_CONFIG"`
	SharedStore         string        `env:"SHARED_STORE" envDefault:"postgres"`
	BadgerPath          string        `env:"BADGER_PATH" envDefault:"data/sharedstate"`
	BadgerGCInterval    time.Duration `env:"BADGER_GC_INTERVAL" envDefault:"5m"`

	Partitions         int           `env:"COMMAND_PARTITIONS" envDefault:"12"`
	DispatchTimeout    time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"10s"`
	OutboxInterval     time.Duration `env:"OUTBOX_DISPATCH_INTERVAL" envDefault:"1s"`
	OutboxBatch        int           `env:"OUTBOX_DISPATCH_BATCH" envDefault:"100"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	ProcessedRetention time.Duration `env:"PROCESSED_RETENTION" envDefault:"168h"`

	NotifyWebhookURL string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyTemplate   string        `env:"NOTIFY_TEMPLATE"`
	NotifyCooldown   time.Duration `env:"NOTIFY_COOLDOWN" envDefault:"1m"`
	NotifyTimeout    time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"5s"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"telemetry-control"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.PGDSN
	}
	cfg.SharedStore = strings.ToLower(strings.TrimSpace(cfg.SharedStore))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	if c.JWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET is required")
	}
	if c.AgentBaseURL == "" {
		return errors.New("config: AGENT_BASE_URL is required")
	}
	switch c.SharedStore {
	case SharedStorePostgres, SharedStoreBadger, SharedStoreMemory:
	default:
		return fmt.Errorf("config: unknown SHARED_STORE %q", c.SharedStore)
	}
	if c.Partitions <= 0 {
		return errors.New("config: COMMAND_PARTITIONS must be positive")
	}
	if c.OutboxInterval <= 0 || c.OutboxBatch <= 0 {
		return errors.New("config: outbox interval and batch must be positive")
	}
	if c.OutboxMaxAttempts <= 0 {
		return errors.New("config: OUTBOX_MAX_ATTEMPTS must be positive")
	}
	return nil
}
