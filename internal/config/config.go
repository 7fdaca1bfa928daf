// Package config loads the engine configuration from a YAML file with
// environment variable overrides on top. Secrets live in a local .env file
// during development and in real env vars in deployment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the blast engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection settings. Redis backs the send
// budgets and the recovery lock; with Enabled false the engine falls back
// to in-process counters and the Postgres advisory lock.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig holds the background cadence knobs.
type EngineConfig struct {
	ReclaimIntervalSeconds  int `yaml:"reclaim_interval_seconds"`
	RetryTickSeconds        int `yaml:"retry_tick_seconds"`
	RecoveryLockTTLSeconds  int `yaml:"recovery_lock_ttl_seconds"`
	ShutdownTimeoutSeconds  int `yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// ReclaimInterval returns the zombie sweep cadence.
func (e EngineConfig) ReclaimInterval() time.Duration {
	return time.Duration(e.ReclaimIntervalSeconds) * time.Second
}

// RetryTick returns the retry governor cadence.
func (e EngineConfig) RetryTick() time.Duration {
	return time.Duration(e.RetryTickSeconds) * time.Second
}

// RecoveryLockTTL returns the distributed recovery lock lifetime.
func (e EngineConfig) RecoveryLockTTL() time.Duration {
	return time.Duration(e.RecoveryLockTTLSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget.
func (e EngineConfig) ShutdownTimeout() time.Duration {
	return time.Duration(e.ShutdownTimeoutSeconds) * time.Second
}

// RedactEnabled resolves the redaction default (true).
func (l LoggingConfig) RedactEnabled() bool {
	return l.RedactPII == nil || *l.RedactPII
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Engine.ReclaimIntervalSeconds == 0 {
		cfg.Engine.ReclaimIntervalSeconds = 60
	}
	if cfg.Engine.RetryTickSeconds == 0 {
		cfg.Engine.RetryTickSeconds = 60
	}
	if cfg.Engine.RecoveryLockTTLSeconds == 0 {
		cfg.Engine.RecoveryLockTTLSeconds = 120
	}
	if cfg.Engine.ShutdownTimeoutSeconds == 0 {
		cfg.Engine.ShutdownTimeoutSeconds = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file first when one exists (no error if missing).
// With no config file at path, env vars and defaults alone apply.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
		applyDefaults(cfg)
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
