// Package config loads process configuration from the environment and
// per-collector declarations from YAML. All validation is fail-fast:
// a malformed declaration aborts startup before any worker runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration read from the environment.
type Config struct {
	Postgres PostgresConfig

	RedisAddr string // optional shared price cache

	MetricsPort       int
	CollectorInterval time.Duration
	LogLevel          string
	SnapshotDir       string

	// Per-source API credentials, referenced from declarations by key.
	APIKeys map[string]string

	SMTP SMTPConfig
}

// PostgresConfig holds connection and pool settings for the
// time-series store.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	MinConns        int
	MaxConns        int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// DSN renders a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.Database, p.User, p.Password, p.SSLMode)
}

// SMTPConfig carries notification transport credentials. The core
// only loads them; delivery is an external collaborator.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Load reads configuration from environment variables, consulting a
// .env file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Postgres: PostgresConfig{
			Host:            getEnv("POSTGRES_HOST", "localhost"),
			Port:            getEnvAsInt("POSTGRES_PORT", 5432),
			Database:        getEnv("POSTGRES_DB", "coinpulse"),
			User:            getEnv("POSTGRES_USER", "coinpulse"),
			Password:        getEnv("POSTGRES_PASSWORD", ""),
			SSLMode:         getEnv("POSTGRES_SSLMODE", "disable"),
			MinConns:        getEnvAsInt("POSTGRES_MIN_CONNS", 2),
			MaxConns:        getEnvAsInt("POSTGRES_MAX_CONNS", 10),
			ConnMaxLifetime: getEnvAsDuration("POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
			QueryTimeout:    getEnvAsDuration("POSTGRES_QUERY_TIMEOUT", 30*time.Second),
		},
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		MetricsPort:       getEnvAsInt("METRICS_PORT", 9100),
		CollectorInterval: time.Duration(getEnvAsInt("COLLECTOR_INTERVAL_SECONDS", 60)) * time.Second,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		SnapshotDir:       getEnv("SNAPSHOT_DIR", "snapshots"),
		APIKeys: map[string]string{
			"etherscan":  getEnv("ETHERSCAN_API_KEY", ""),
			"bscscan":    getEnv("BSCSCAN_API_KEY", ""),
			"trongrid":   getEnv("TRONGRID_API_KEY", ""),
			"fred":       getEnv("FRED_API_KEY", ""),
			"blockchain": getEnv("BLOCKCHAIN_API_KEY", ""),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			User:     getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
	}

	if cfg.Postgres.MinConns < 0 || cfg.Postgres.MaxConns < cfg.Postgres.MinConns {
		return nil, fmt.Errorf("invalid pool bounds: min=%d max=%d", cfg.Postgres.MinConns, cfg.Postgres.MaxConns)
	}
	if cfg.MetricsPort <= 0 || cfg.MetricsPort > 65535 {
		return nil, fmt.Errorf("invalid METRICS_PORT: %d", cfg.MetricsPort)
	}
	if cfg.CollectorInterval <= 0 {
		return nil, fmt.Errorf("COLLECTOR_INTERVAL_SECONDS must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
