package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultAppName           = "NyotaPay"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultMetricsPort       = "9100"
	defaultLogLevel          = "info"
	defaultCurrency          = "KES"
	defaultDailyLimit        = "100000"
	defaultMonthlyLimit      = "1000000"
	defaultLockTTL           = 10 * time.Second
	defaultBalanceCacheTTL   = 30 * time.Second
	defaultOutboxInterval    = 500 * time.Millisecond
	defaultOutboxBatchSize   = 25
	defaultQueuePrefix       = "nyotapay"
	defaultReconcileSchedule = "0 3 * * *"
	defaultShutdownDelay     = 10 * time.Second
	defaultJWTIssuer         = "nyotapay"
	devJWTSecret             = "dev-secret"
	shutdownSecondsEnvVar    = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar   = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName     string
	AppEnv      string
	Port        string
	MetricsPort string
	LogLevel    string

	DatabaseURL string
	RedisURL    string
	RabbitURL   string

	JWTSecret string
	JWTIssuer string

	DefaultCurrency     string
	DefaultDailyLimit   decimal.Decimal
	DefaultMonthlyLimit decimal.Decimal

	LockTTL           time.Duration
	BalanceCacheTTL   time.Duration
	OutboxInterval    time.Duration
	OutboxBatchSize   int32
	QueuePrefix       string
	ReconcileSchedule string

	ShutdownPeriod time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:              getEnv("PORT", defaultPort),
		MetricsPort:       getEnv("METRICS_PORT", defaultMetricsPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RabbitURL:         os.Getenv("RABBITMQ_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTIssuer:         getEnv("JWT_ISSUER", defaultJWTIssuer),
		DefaultCurrency:   strings.ToUpper(getEnv("DEFAULT_CURRENCY", defaultCurrency)),
		QueuePrefix:       getEnv("CONSUMER_QUEUE_PREFIX", defaultQueuePrefix),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", defaultReconcileSchedule),
		LockTTL:           defaultLockTTL,
		BalanceCacheTTL:   defaultBalanceCacheTTL,
		OutboxInterval:    defaultOutboxInterval,
		OutboxBatchSize:   defaultOutboxBatchSize,
		ShutdownPeriod:    defaultShutdownDelay,
	}

	var err error
	if cfg.DefaultDailyLimit, err = decimalEnv("DEFAULT_DAILY_LIMIT", defaultDailyLimit); err != nil {
		return Config{}, err
	}
	if cfg.DefaultMonthlyLimit, err = decimalEnv("DEFAULT_MONTHLY_LIMIT", defaultMonthlyLimit); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", defaultLockTTL); err != nil {
		return Config{}, err
	}
	if cfg.BalanceCacheTTL, err = durationEnv("BALANCE_CACHE_TTL", defaultBalanceCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.OutboxInterval, err = durationEnv("OUTBOX_POLL_INTERVAL", defaultOutboxInterval); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("OUTBOX_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid OUTBOX_BATCH_SIZE: %q", v)
		}
		cfg.OutboxBatchSize = int32(n)
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if cfg.JWTSecret == "" {
		if !cfg.IsDev() {
			return Config{}, fmt.Errorf("JWT_SECRET must be set when APP_ENV=%s", cfg.AppEnv)
		}
		cfg.JWTSecret = devJWTSecret
	}

	// Development mode may run on in-memory backends; anywhere else the
	// durable stores are mandatory.
	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// IsDev reports whether the app runs in a development-style environment.
func (c Config) IsDev() bool {
	switch c.AppEnv {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	return listenAddr(c.Port)
}

// MetricsAddress returns the Prometheus listener address; empty disables it.
func (c Config) MetricsAddress() string {
	if c.MetricsPort == "" {
		return ""
	}
	return listenAddr(c.MetricsPort)
}

func listenAddr(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func decimalEnv(key, fallback string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}
