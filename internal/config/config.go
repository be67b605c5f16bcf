package config

import "time"

// Config represents the complete application configuration. Values are
// layered: built-in defaults, an optional YAML config file, then
// STRIDEMIRROR_* environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// UpstreamConfig describes the fitness-tracking API this deployment
// mirrors from. The account is the quota scope: every user synced by
// this deployment draws from the same upstream quota.
type UpstreamConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	AccountID string        `mapstructure:"account_id"`
	Timeout   time.Duration `mapstructure:"timeout"`
	PageSize  int           `mapstructure:"page_size"`
}

// QuotaConfig holds the upstream rate-limit window limits. Margin (0-1]
// shrinks the effective limits so other processes sharing the account
// keep headroom.
type QuotaConfig struct {
	Limit15Min int     `mapstructure:"limit_15min"`
	LimitDaily int     `mapstructure:"limit_daily"`
	Margin     float64 `mapstructure:"margin"`
}

// SyncConfig tunes the gather/drain machinery.
type SyncConfig struct {
	// MaxAttempts is the retry ceiling before a queue entry goes terminal.
	MaxAttempts int `mapstructure:"max_attempts"`
	// TransientRetries bounds in-cycle retries of a single work unit.
	TransientRetries int           `mapstructure:"transient_retries"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	DrainInterval    time.Duration `mapstructure:"drain_interval"`
	DrainBudget      int           `mapstructure:"drain_budget"`
}

// LoggingConfig contains logging configuration.
// Profile selects SIMPLE (CLI) or STRUCTURED (server) output.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}
