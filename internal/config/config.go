// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, in-memory stores are used when empty)
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnMaxLife  time.Duration

	// Redis (optional, OTP and realtime fall back to in-process when empty)
	RedisURL string

	// Auth: bearer tokens are issued by the external auth provider
	JWTSecret string
	JWTIssuer string

	// Presence
	PresenceStaleAfter    time.Duration
	PresenceSweepInterval time.Duration

	// Notifications (email/SMS sender endpoint)
	NotifyURL    string
	NotifySecret string

	// Phone verification
	OTPTTL            time.Duration
	OTPResendCooldown time.Duration

	// HTTP hardening
	RateLimitRPM   int
	RateLimitBurst int
	MaxBodyBytes   int64
	CORSOrigins    []string

	// Tracing
	OTelEndpoint    string
	OTelSampleRatio float64
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultPresenceStale     = 60 * time.Second
	DefaultPresenceSweep     = 15 * time.Second
	DefaultOTPTTL            = 5 * time.Minute
	DefaultOTPResendCooldown = 60 * time.Second
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20
	DefaultMaxBodyBytes      = 1 << 20
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
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:        getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:        getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLife:         getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		RedisURL:              os.Getenv("REDIS_URL"),
		JWTSecret:             os.Getenv("AUTH_JWT_SECRET"),
		JWTIssuer:             os.Getenv("AUTH_JWT_ISSUER"),
		PresenceStaleAfter:    getEnvDuration("PRESENCE_STALE_AFTER", DefaultPresenceStale),
		PresenceSweepInterval: getEnvDuration("PRESENCE_SWEEP_INTERVAL", DefaultPresenceSweep),
		NotifyURL:             os.Getenv("NOTIFY_URL"),
		NotifySecret:          os.Getenv("NOTIFY_SECRET"),
		OTPTTL:                getEnvDuration("OTP_TTL", DefaultOTPTTL),
		OTPResendCooldown:     getEnvDuration("OTP_RESEND_COOLDOWN", DefaultOTPResendCooldown),
		RateLimitRPM:          getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:        getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		MaxBodyBytes:          getEnvInt64("MAX_BODY_BYTES", DefaultMaxBodyBytes),
		CORSOrigins:           splitList(os.Getenv("CORS_ORIGINS")),
		OTelEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelSampleRatio:       getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 bytes in production")
	}
	if c.PresenceStaleAfter <= 0 {
		return fmt.Errorf("PRESENCE_STALE_AFTER must be positive")
	}
	if c.PresenceSweepInterval <= 0 {
		return fmt.Errorf("PRESENCE_SWEEP_INTERVAL must be positive")
	}
	if c.NotifyURL != "" && c.NotifySecret == "" {
		return fmt.Errorf("NOTIFY_SECRET is required when NOTIFY_URL is set")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be within [0, 1]")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
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

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
