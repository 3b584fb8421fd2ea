package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, populated from GATEHOUSE_* env vars.
// It is loaded once in main and passed down by value.
type Config struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	PostgresDSN string `env:"PG_DSN"`
	RedisAddr   string `env:"REDIS_ADDR"`

	// AuthSecret signs every token the service issues. Rotated out-of-band.
	AuthSecret string `env:"AUTH_SECRET"`

	AccessTTL      time.Duration `env:"ACCESS_TTL" envDefault:"1h"`
	RefreshTTL     time.Duration `env:"REFRESH_TTL" envDefault:"720h"`
	ActionTokenTTL time.Duration `env:"ACTION_TOKEN_TTL" envDefault:"24h"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	CookieSecure bool `env:"COOKIE_SECURE" envDefault:"false"`

	// Coarse per-IP budget applied in front of the named buckets.
	IPBurst     int `env:"IP_BURST" envDefault:"40"`
	IPPerSecond int `env:"IP_PER_SECOND" envDefault:"20"`

	// Script directories, also read directly by cmd/migrate.
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	SeedsDir      string `env:"SEEDS_DIR" envDefault:"seeds"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "GATEHOUSE_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.AuthSecret == "" {
		return errors.New("GATEHOUSE_AUTH_SECRET is required")
	}
	if len(c.AuthSecret) < 32 {
		return errors.New("GATEHOUSE_AUTH_SECRET must be at least 32 bytes")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.ActionTokenTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.RefreshTTL <= c.AccessTTL {
		return errors.New("refresh TTL must exceed access TTL")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("store timeout must be positive")
	}
	return nil
}
