// Package config loads taskrelay settings from an optional YAML file and the
// TASKRELAY_* environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

type Config struct {
	Addr                 string        `yaml:"addr" env:"TASKRELAY_ADDR"`
	ConfigStoreDSN       string        `yaml:"configStoreDsn" env:"TASKRELAY_CONFIG_STORE_DSN"`
	StoreProfile         string        `yaml:"storeProfile" env:"TASKRELAY_STORE_PROFILE"`
	DataDir              string        `yaml:"dataDir" env:"TASKRELAY_DATA_DIR"`
	PostgresDSN          string        `yaml:"postgresDsn" env:"TASKRELAY_POSTGRES_DSN"`
	ManifestDir          string        `yaml:"manifestDir" env:"TASKRELAY_MANIFEST_DIR"`
	MaxRetries           int           `yaml:"maxRetries" env:"TASKRELAY_MAX_RETRIES"`
	BaseDelay            time.Duration `yaml:"baseDelay" env:"TASKRELAY_BASE_DELAY"`
	RequireAnySuccess    bool          `yaml:"requireAnySuccess" env:"TASKRELAY_REQUIRE_ANY_SUCCESS"`
	WarnOnEmpty          bool          `yaml:"warnOnEmpty" env:"TASKRELAY_WARN_ON_EMPTY"`
	HealthStreamInterval time.Duration `yaml:"healthStreamInterval" env:"TASKRELAY_HEALTH_STREAM_INTERVAL"`
	MaxBodyBytes         int64         `yaml:"maxBodyBytes" env:"TASKRELAY_MAX_BODY_BYTES"`
	RateLimitMax         int           `yaml:"rateLimitMax" env:"TASKRELAY_RATE_LIMIT_MAX"`
	RateLimitWindow      time.Duration `yaml:"rateLimitWindow" env:"TASKRELAY_RATE_LIMIT_WINDOW"`
	ShutdownTimeout      time.Duration `yaml:"shutdownTimeout" env:"TASKRELAY_SHUTDOWN_TIMEOUT"`
	LogLevel             string        `yaml:"logLevel" env:"TASKRELAY_LOG_LEVEL"`
	LogJSON              bool          `yaml:"logJson" env:"TASKRELAY_LOG_JSON"`
}

func Default() Config {
	return Config{
		Addr:                 ":8080",
		DataDir:              ".taskrelay",
		MaxRetries:           3,
		BaseDelay:            time.Second,
		WarnOnEmpty:          true,
		HealthStreamInterval: 15 * time.Second,
		MaxBodyBytes:         1 << 20,
		RateLimitWindow:      time.Minute,
		ShutdownTimeout:      10 * time.Second,
		LogLevel:             "info",
		LogJSON:              true,
	}
}

// Load applies, in order, the defaults, the YAML file at path (if any) and
// the environment. Variables that are unset leave earlier values alone.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("maxRetries must be positive, got %d", c.MaxRetries))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("baseDelay must be positive, got %s", c.BaseDelay))
	}
	if c.HealthStreamInterval <= 0 {
		errs = append(errs, fmt.Errorf("healthStreamInterval must be positive, got %s", c.HealthStreamInterval))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("maxBodyBytes must be positive, got %d", c.MaxBodyBytes))
	}
	if _, err := c.ResolveConfigStoreDSN(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ResolveConfigStoreDSN returns the explicit DSN when set and otherwise the
// DSN implied by StoreProfile. An empty result selects the in-memory store.
func (c Config) ResolveConfigStoreDSN() (string, error) {
	if dsn := strings.TrimSpace(c.ConfigStoreDSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".taskrelay"
	}
	profile := strings.ToLower(strings.TrimSpace(c.StoreProfile))
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "backends.yaml"), nil
	case "embedded", "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "taskrelay.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" {
			return "", fmt.Errorf("TASKRELAY_POSTGRES_DSN is required when storeProfile=%s", profile)
		}
		if !taskrelay.IsPostgresDSN(dsn) {
			return "", fmt.Errorf("TASKRELAY_POSTGRES_DSN must be a postgres:// URL or a key=value connection string")
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported storeProfile: %s", profile)
	}
}
