// Package config loads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	DMPassword            string        `env:"DM_PASSWORD"`
	DMGracePeriod         time.Duration `env:"DM_GRACE_PERIOD" envDefault:"30s"`
	RosterRefreshInterval time.Duration `env:"ROSTER_REFRESH_INTERVAL" envDefault:"10s"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	BadgerDir   string `env:"BADGER_DIR"`
	// MigrateRecords creates the campaigns/characters tables when missing.
	MigrateRecords bool `env:"MIGRATE_RECORDS" envDefault:"false"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`

	AllowedOrigins  []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	ClientRateLimit float64  `env:"CLIENT_RATE_LIMIT" envDefault:"20"`
	ClientRateBurst int      `env:"CLIENT_RATE_BURST" envDefault:"40"`

	BreakerFailures uint32        `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerTimeout  time.Duration `env:"BREAKER_TIMEOUT" envDefault:"10s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads envFile (if it exists) into the process environment and parses
// the result. Variables already set win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverBadger:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.DMGracePeriod <= 0 {
		return errors.New("config: DM_GRACE_PERIOD must be positive")
	}
	if c.RosterRefreshInterval <= 0 {
		return errors.New("config: ROSTER_REFRESH_INTERVAL must be positive")
	}
	return nil
}
