package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings sourced from the environment.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	HTTPListenAddr string
	PublicBasePath string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	MetricsNamespace string

	WebhookSecret          string
	WebhookSecretSecondary string
	AdminAPIToken          string

	GAMeasurementID string
	GAAPISecret     string
	GAEndpoint      string

	PaymentBaseURL        string
	PaymentAPIKey         string
	PaymentDefaultMethod  string
	PaymentTimeout        time.Duration
	PaymentWebhookUserMD5 string
	PaymentWebhookPassMD5 string

	OutboundTimeout time.Duration
	AsyncWorkers    int
	PartnerLockTTL  time.Duration
	StatsCacheTTL   time.Duration
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:                 getEnv("APP_ENV", "development"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "text"),
		HTTPListenAddr:         getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:         os.Getenv("PUBLIC_BASE_PATH"),
		DatabaseDriver:         strings.ToLower(getEnv("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DatabaseSchema:         os.Getenv("DATABASE_SCHEMA"),
		SQLitePath:             getEnv("SQLITE_PATH", "data/ledger.db"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		MetricsNamespace:       getEnv("METRICS_NAMESPACE", "partner_ledger"),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		WebhookSecretSecondary: os.Getenv("WEBHOOK_SECRET_SECONDARY"),
		AdminAPIToken:          os.Getenv("ADMIN_API_TOKEN"),
		GAMeasurementID:        os.Getenv("GA_MEASUREMENT_ID"),
		GAAPISecret:            os.Getenv("GA_API_SECRET"),
		GAEndpoint:             getEnv("GA_ENDPOINT", "https://www.google-analytics.com/mp/collect"),
		PaymentBaseURL:         os.Getenv("PAYMENT_BASE_URL"),
		PaymentAPIKey:          os.Getenv("PAYMENT_API_KEY"),
		PaymentDefaultMethod:   getEnv("PAYMENT_DEFAULT_METHOD", "qris"),
		PaymentWebhookUserMD5:  os.Getenv("PAYMENT_WEBHOOK_USERNAME_MD5"),
		PaymentWebhookPassMD5:  os.Getenv("PAYMENT_WEBHOOK_PASSWORD_MD5"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisTLS, err = getBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	if cfg.AsyncWorkers, err = getInt("ASYNC_WORKERS", 16); err != nil {
		return nil, err
	}
	if cfg.OutboundTimeout, err = getDuration("OUTBOUND_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.PaymentTimeout, err = getDuration("PAYMENT_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.PartnerLockTTL, err = getDuration("PARTNER_LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StatsCacheTTL, err = getDuration("STATS_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}

	switch cfg.DatabaseDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required")
		}
	case DriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, fmt.Errorf("SQLITE_PATH environment variable is required")
		}
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	if cfg.AdminAPIToken == "" && cfg.AppEnv == "production" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN environment variable is required in production")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}
