package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Port              string `env:"PORT" envDefault:"8080"`
	DatabaseURL       string `env:"DATABASE_URL"`
	RedisURL          string `env:"REDIS_URL"`
	SubscriptionsFile string `env:"SUBSCRIPTIONS_FILE"`
	MigrationsDir     string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`

	NumWorkers          int           `env:"NUM_WORKERS" envDefault:"50"`
	DispatchConcurrency int           `env:"DISPATCH_CONCURRENCY" envDefault:"10"`
	DeliveryTimeout     time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	RetryTick         time.Duration `env:"RETRY_TICK" envDefault:"1s"`
	MaxDeferrals      int           `env:"MAX_DEFERRALS" envDefault:"50"`
	RateLimitDeferral time.Duration `env:"RATE_LIMIT_DEFERRAL" envDefault:"1s"`
	CircuitDeferral   time.Duration `env:"CIRCUIT_DEFERRAL" envDefault:"15s"`
	PayloadTTL        time.Duration `env:"PAYLOAD_TTL" envDefault:"72h"`

	CBFailureThreshold int           `env:"CB_FAILURE_THRESHOLD" envDefault:"5"`
	CBFailureWindow    time.Duration `env:"CB_FAILURE_WINDOW" envDefault:"60s"`
	CBCooldown         time.Duration `env:"CB_COOLDOWN" envDefault:"60s"`

	MonitorWindow          time.Duration `env:"MONITOR_WINDOW" envDefault:"5m"`
	MonitorRetention       time.Duration `env:"MONITOR_RETENTION" envDefault:"1h"`
	AlertErrorRate         float64       `env:"ALERT_ERROR_RATE" envDefault:"0.10"`
	AlertAvgLatency        time.Duration `env:"ALERT_AVG_LATENCY" envDefault:"5s"`
	AlertQueueDepth        int           `env:"ALERT_QUEUE_DEPTH" envDefault:"100"`
	AlertSuppressionWindow time.Duration `env:"ALERT_SUPPRESSION_WINDOW" envDefault:"1m"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" && c.SubscriptionsFile == "" {
		errs = append(errs, errors.New("DATABASE_URL or SUBSCRIPTIONS_FILE is required"))
	}
	if c.NumWorkers < 1 {
		errs = append(errs, errors.New("NUM_WORKERS must be at least 1"))
	}
	if c.DispatchConcurrency < 1 {
		errs = append(errs, errors.New("DISPATCH_CONCURRENCY must be at least 1"))
	}
	if c.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("DELIVERY_TIMEOUT must be positive"))
	}
	if c.RetryTick <= 0 {
		errs = append(errs, errors.New("RETRY_TICK must be positive"))
	}
	if c.CBFailureThreshold < 1 {
		errs = append(errs, errors.New("CB_FAILURE_THRESHOLD must be at least 1"))
	}
	if c.AlertErrorRate <= 0 || c.AlertErrorRate > 1 {
		errs = append(errs, errors.New("ALERT_ERROR_RATE must be in (0, 1]"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
