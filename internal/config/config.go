package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

type Config struct {
	// StartURL and Keyword are usually given on the command line.
	StartURL string `envconfig:"START_URL"`
	Keyword  string `envconfig:"KEYWORD"`

	MaxDepth int `envconfig:"MAX_DEPTH" default:"2"`
	Workers  int `envconfig:"WORKERS" default:"3"`

	// Browser timing.
	PageTimeout   time.Duration `envconfig:"PAGE_TIMEOUT" default:"30s"`
	SettleTimeout time.Duration `envconfig:"SETTLE_TIMEOUT" default:"10s"`
	JitterMin     time.Duration `envconfig:"JITTER_MIN" default:"500ms"`
	JitterMax     time.Duration `envconfig:"JITTER_MAX" default:"2s"`
	Headless      bool          `envconfig:"HEADLESS" default:"true"`
	ChromePath    string        `envconfig:"CHROME_PATH"`

	// RateLimit is the minimum spacing between renders of one host. 0 turns it off.
	RateLimit time.Duration `envconfig:"RATE_LIMIT" default:"0"`

	BatchSize     int           `envconfig:"BATCH_SIZE" default:"20"`
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" default:"2s"`

	// Optional sinks. Each one is enabled by setting its address.
	DBDriver    string        `envconfig:"DB_DRIVER" default:"pgx"`
	DatabaseURL string        `envconfig:"DB_URL"`
	KafkaBroker string        `envconfig:"KAFKA_BROKER"`
	KafkaTopic  string        `envconfig:"KAFKA_TOPIC" default:"keyword-matches"`
	RedisAddr   string        `envconfig:"REDIS_ADDR"`
	RedisPrefix string        `envconfig:"REDIS_PREFIX" default:"keyscout"`
	StatusTTL   time.Duration `envconfig:"STATUS_TTL" default:"24h"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"warn"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`

	// Warnings collected while loading, for the caller to log once a logger exists.
	Warnings []string `ignored:"true"`
}

// Load processes environment variables and populates the Config struct.
func Load() (*Config, error) {
	// 1. Try to load .env file (if it exists)
	var warnings []string
	if err := godotenv.Load(); err != nil {
		// Only warn if the file actually exists but failed to load.
		if _, statErr := os.Stat(".env"); statErr == nil {
			warnings = append(warnings, fmt.Sprintf(".env file found but could not be loaded: %v", err))
		}
	}

	// 2. Process Environment Variables (System + Loaded from .env)
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg.Warnings = warnings
	return &cfg, nil
}

// Validate checks ranges. It does not check StartURL or Keyword; the crawler rejects those itself.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("MAX_DEPTH must not be negative, got %d", c.MaxDepth))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers))
	}
	if c.PageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PAGE_TIMEOUT must be positive, got %s", c.PageTimeout))
	}
	if c.SettleTimeout < 0 {
		errs = append(errs, fmt.Errorf("SETTLE_TIMEOUT must not be negative, got %s", c.SettleTimeout))
	}
	if c.JitterMin < 0 || c.JitterMax < c.JitterMin {
		errs = append(errs, fmt.Errorf("need 0 <= JITTER_MIN <= JITTER_MAX, got %s and %s", c.JitterMin, c.JitterMax))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must not be negative, got %s", c.RateLimit))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("FLUSH_INTERVAL must be positive, got %s", c.FlushInterval))
	}
	if c.DatabaseURL != "" && c.DBDriver != "pgx" && c.DBDriver != "sqlite" {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be pgx or sqlite, got %q", c.DBDriver))
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.KafkaBroker != "" && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKER is set"))
	}
	return errors.Join(errs...)
}

// Logger builds a zap logger from LOG_LEVEL and LOG_FORMAT ("json" or "console").
// Logs go to stderr so they never mix with results written to stdout.
func (c *Config) Logger() (*zap.Logger, error) {
	var zapConfig zap.Config
	if c.LogFormat == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zapConfig.Level = level
	zapConfig.OutputPaths = []string{"stderr"}

	return zapConfig.Build()
}
