// Package config loads the ledger server configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/workledger/go-core/internal/shipper"
)

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Shipper  ShipperConfig  `yaml:"shipper"`
}

// ServerConfig configures the HTTP admin surface.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig configures the durable store. URL may be supplied via the
// LEDGER_DATABASE_URL environment variable instead of the file.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LockWait        time.Duration `yaml:"lock_wait"`
}

// LogConfig configures zap output. With a file path set, output rotates via
// lumberjack using the size/age/backup limits.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

// AuthConfig protects the privileged admin endpoints. Secret may be supplied
// via LEDGER_AUTH_SECRET.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// ArchiveConfig configures the scheduled retention sweep.
type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`
	Retention time.Duration `yaml:"retention"`
}

// ShipperConfig configures downstream export of committed records.
type ShipperConfig struct {
	Enabled    bool                `yaml:"enabled"`
	BufferSize int                 `yaml:"buffer_size"`
	Redis      shipper.RedisConfig `yaml:"redis"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			LockWait:        2 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxAgeDays: 30,
			MaxBackups: 10,
		},
		Archive: ArchiveConfig{
			Enabled:   true,
			Schedule:  "30 3 * * *",
			Retention: 365 * 24 * time.Hour,
		},
		Shipper: ShipperConfig{
			BufferSize: 1000,
			Redis:      shipper.DefaultRedisConfig(),
		},
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if url := os.Getenv("LEDGER_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if secret := os.Getenv("LEDGER_AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (config file or LEDGER_DATABASE_URL)")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (must be json or console)", c.Log.Format)
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required when auth is enabled")
	}
	if c.Archive.Enabled {
		if c.Archive.Schedule == "" {
			return fmt.Errorf("archive schedule is required when archival is enabled")
		}
		if c.Archive.Retention <= 0 {
			return fmt.Errorf("archive retention must be positive")
		}
	}
	if c.Shipper.Enabled && c.Shipper.Redis.Stream == "" {
		return fmt.Errorf("shipper stream name is required when shipping is enabled")
	}
	return nil
}
