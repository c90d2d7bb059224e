// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// Config is the full service configuration.
type Config struct {
	// HTTP server.
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Billing provider.
	StripeAPIKey        string        `env:"STRIPE_API_KEY,required"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	StripeHTTPTimeout   time.Duration `env:"STRIPE_HTTP_TIMEOUT" envDefault:"10s"`

	// Storage backends.
	PostgresURL   string `env:"POSTGRES_URL,required"`
	MongoURI      string `env:"MONGO_URI,required"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"seekwell"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Weekly discovery window behavior.
	WeekPolicy  string `env:"WEEK_POLICY" envDefault:"calendar"`
	BurstPolicy string `env:"BURST_POLICY" envDefault:"allow"`

	// Ledger rollover.
	RolloverCron     string `env:"ROLLOVER_CRON" envDefault:"15 2 * * *"`
	HistoryRetention int    `env:"HISTORY_RETENTION" envDefault:"12"`

	// Read path.
	SnapshotCacheTTL time.Duration `env:"SNAPSHOT_CACHE_TTL" envDefault:"30s"`
	RefreshTimeout   time.Duration `env:"PROVIDER_REFRESH_TIMEOUT" envDefault:"3s"`

	// Provider-hosted flow return URLs.
	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL,required"`
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL,required"`
	PortalReturnURL    string `env:"PORTAL_RETURN_URL,required"`

	// Webhook endpoint limits.
	WebhookRateLimit  int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"100"`
	WebhookRateWindow time.Duration `env:"WEBHOOK_RATE_WINDOW" envDefault:"1m"`

	// Observability.
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"seekwell"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch entitlements.WeekPolicy(c.WeekPolicy) {
	case entitlements.WeekPolicyCalendar, entitlements.WeekPolicyRolling:
	default:
		return fmt.Errorf("WEEK_POLICY must be %q or %q, got %q",
			entitlements.WeekPolicyCalendar, entitlements.WeekPolicyRolling, c.WeekPolicy)
	}
	switch entitlements.BurstPolicy(c.BurstPolicy) {
	case entitlements.BurstAllow, entitlements.BurstStrict:
	default:
		return fmt.Errorf("BURST_POLICY must be %q or %q, got %q",
			entitlements.BurstAllow, entitlements.BurstStrict, c.BurstPolicy)
	}
	if c.HistoryRetention < 1 {
		return errors.New("HISTORY_RETENTION must be at least 1")
	}
	return nil
}
