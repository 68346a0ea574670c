package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	UseMemoryStore bool
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool

	// OAuth token storage and Google Calendar
	TokenEncryptionKey string
	TokenExpiryBuffer  time.Duration
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// HTTP
	CORSAllowedOrigins []string
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Availability
	StrictTimezones bool
	LiveFreeBusy    bool

	// Sync
	SyncLookbackDays     int
	SyncLookaheadDays    int
	SyncInterval         time.Duration
	SyncLockTTL          time.Duration
	TokenRefreshInterval time.Duration

	// Outbox delivery
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	OutboxMaxAttempts int
	OutboxBaseBackoff time.Duration

	// Booking templates
	BookingTitleTemplate       string
	BookingDescriptionTemplate string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", false),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),

		TokenEncryptionKey: strings.TrimSpace(getEnv("TOKEN_ENCRYPTION_KEY", "")),
		TokenExpiryBuffer:  getEnvAsDuration("TOKEN_EXPIRY_BUFFER", 5*time.Minute),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerSecond: getEnvAsFloat("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),

		StrictTimezones: getEnvAsBool("STRICT_TIMEZONES", false),
		LiveFreeBusy:    getEnvAsBool("LIVE_FREEBUSY", false),

		SyncLookbackDays:     getEnvAsInt("SYNC_LOOKBACK_DAYS", 30),
		SyncLookaheadDays:    getEnvAsInt("SYNC_LOOKAHEAD_DAYS", 90),
		SyncInterval:         getEnvAsDuration("SYNC_INTERVAL", 15*time.Minute),
		SyncLockTTL:          getEnvAsDuration("SYNC_LOCK_TTL", 5*time.Minute),
		TokenRefreshInterval: getEnvAsDuration("TOKEN_REFRESH_INTERVAL", 10*time.Minute),

		OutboxInterval:    getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize:   getEnvAsInt("OUTBOX_BATCH_SIZE", 25),
		OutboxMaxAttempts: getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 8),
		OutboxBaseBackoff: getEnvAsDuration("OUTBOX_BASE_BACKOFF", 30*time.Second),

		BookingTitleTemplate:       getEnv("BOOKING_TITLE_TEMPLATE", ""),
		BookingDescriptionTemplate: getEnv("BOOKING_DESCRIPTION_TEMPLATE", ""),
	}
}

// GoogleEnabled reports whether Google Calendar credentials are configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// Validate reports missing values for the selected mode.
func (c *Config) Validate() error {
	var errs []error
	if !c.UseMemoryStore && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required unless USE_MEMORY_STORE is set"))
	}
	if c.GoogleEnabled() && c.TokenEncryptionKey == "" {
		errs = append(errs, errors.New("TOKEN_ENCRYPTION_KEY is required when Google Calendar is configured"))
	}
	if c.SyncLookbackDays < 0 || c.SyncLookaheadDays <= 0 {
		errs = append(errs, fmt.Errorf("invalid sync window: lookback=%d lookahead=%d", c.SyncLookbackDays, c.SyncLookaheadDays))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be positive, got %d", c.OutboxMaxAttempts))
	}
	return errors.Join(errs...)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
