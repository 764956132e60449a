// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment processor
	StripeSecretKey string
	GatewayTimeout  time.Duration // per-call deadline for processor requests

	// Escrow policy
	PayeeShareBps    int64         // payee fraction in basis points (7500 = 75%)
	ResponseDeadline time.Duration // how long the recipient has to respond
	GracePeriod      time.Duration // late responses within this window still count
	OverdueSkip      time.Duration // ignore deadlines overdue by less than this (clock skew)

	// Sweep cadence
	TimeoutInterval   time.Duration
	RetryInterval     time.Duration
	RetryBatchSize    int
	RetryPause        time.Duration // pause between retried transactions
	ReconcileInterval time.Duration

	// Health thresholds
	NearTimeoutWindow     time.Duration // "close to deadline" horizon for reporting
	NearTimeoutWarnCount  int           // warn when this many held txns are near timeout
	PendingSetupWarnMinor int64         // warn when this much money awaits payee setup

	// Collaborators
	NotifyWebhookURL string // notification collaborator endpoint (optional)
	OTLPEndpoint     string // OpenTelemetry collector (optional)
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultPayeeShareBps    = 7500
	DefaultResponseDeadline = 72 * time.Hour
	DefaultGracePeriod      = 5 * time.Minute
	DefaultOverdueSkip      = time.Minute
	DefaultGatewayTimeout   = 15 * time.Second
	DefaultRetryBatchSize   = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:        getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		PayeeShareBps:         getEnvInt64("PAYEE_SHARE_BPS", DefaultPayeeShareBps),
		ResponseDeadline:      getEnvDuration("RESPONSE_DEADLINE", DefaultResponseDeadline),
		GracePeriod:           getEnvDuration("GRACE_PERIOD", DefaultGracePeriod),
		OverdueSkip:           getEnvDuration("OVERDUE_SKIP", DefaultOverdueSkip),
		TimeoutInterval:       getEnvDuration("TIMEOUT_SWEEP_INTERVAL", time.Minute),
		RetryInterval:         getEnvDuration("RETRY_SWEEP_INTERVAL", 5*time.Minute),
		RetryBatchSize:        int(getEnvInt64("RETRY_BATCH_SIZE", DefaultRetryBatchSize)),
		RetryPause:            getEnvDuration("RETRY_PAUSE", 2*time.Second),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 10*time.Minute),
		NearTimeoutWindow:     getEnvDuration("NEAR_TIMEOUT_WINDOW", time.Hour),
		NearTimeoutWarnCount:  int(getEnvInt64("NEAR_TIMEOUT_WARN_COUNT", 25)),
		PendingSetupWarnMinor: getEnvInt64("PENDING_SETUP_WARN_MINOR", 100_000),
		NotifyWebhookURL:      os.Getenv("NOTIFY_WEBHOOK_URL"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.PayeeShareBps < 0 || c.PayeeShareBps > 10_000 {
		return fmt.Errorf("PAYEE_SHARE_BPS must be between 0 and 10000, got %d", c.PayeeShareBps)
	}
	if c.ResponseDeadline <= 0 {
		return fmt.Errorf("RESPONSE_DEADLINE must be positive")
	}
	if c.GracePeriod < 0 || c.OverdueSkip < 0 {
		return fmt.Errorf("GRACE_PERIOD and OVERDUE_SKIP must not be negative")
	}
	if c.RetryBatchSize <= 0 {
		return fmt.Errorf("RETRY_BATCH_SIZE must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
