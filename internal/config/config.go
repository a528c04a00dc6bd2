// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Commission
	// The upstream system carried two conflicting fixed rates (2% in the
	// creation path, 5% as a UI default). There is exactly one rate here
	// and it comes from configuration.
	CommissionRateBps int

	// Escrow
	AutoReleaseDays int // default deadline handed to the external release scheduler

	// Gateways
	TelebirrBaseURL     string
	TelebirrAppKey      string
	TelebirrSecret      string // HMAC key for webhook signatures
	StripeAPIKey        string
	StripeWebhookSecret string
	CBEBirrBaseURL      string
	CBEBirrMerchant     string
	CBEBirrSecret       string
	GatewayTimeout      int // seconds, bound on every outbound gateway call

	// Notifications
	NotifyURL    string // external notification collaborator (optional)
	NotifySecret string // HMAC key for signing notification payloads

	// Security
	AdminSecret  string // bootstrap admin API key
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultCommissionRateBps = 200 // 2%
	DefaultAutoReleaseDays   = 7
	DefaultGatewayTimeout    = 15
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		CommissionRateBps:   getEnvInt("COMMISSION_RATE_BPS", DefaultCommissionRateBps),
		AutoReleaseDays:     getEnvInt("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays),
		TelebirrBaseURL:     getEnv("TELEBIRR_BASE_URL", "https://api.telebirr.et"),
		TelebirrAppKey:      os.Getenv("TELEBIRR_APP_KEY"),
		TelebirrSecret:      os.Getenv("TELEBIRR_SECRET"),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CBEBirrBaseURL:      getEnv("CBEBIRR_BASE_URL", "https://cbebirr.cbe.com.et"),
		CBEBirrMerchant:     os.Getenv("CBEBIRR_MERCHANT"),
		CBEBirrSecret:       os.Getenv("CBEBIRR_SECRET"),
		GatewayTimeout:      getEnvInt("GATEWAY_TIMEOUT_SECONDS", DefaultGatewayTimeout),
		NotifyURL:           os.Getenv("NOTIFY_URL"),
		NotifySecret:        os.Getenv("NOTIFY_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.CommissionRateBps < 0 || c.CommissionRateBps > 10000 {
		return fmt.Errorf("COMMISSION_RATE_BPS must be between 0 and 10000, got %d", c.CommissionRateBps)
	}
	if c.AutoReleaseDays <= 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be positive, got %d", c.AutoReleaseDays)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT_SECONDS must be positive, got %d", c.GatewayTimeout)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
