// Package config provides centralized configuration management for
// StrideMirror. Defaults, an optional YAML file, and STRIDEMIRROR_*
// environment variables are merged through viper and decoded into the
// typed Config struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "STRIDEMIRROR"

var (
	appConfig *Config
	configMu  sync.RWMutex
)

// Load reads configuration into the process-wide viper instance and
// returns the decoded Config. cfgFile may be empty, in which case the
// default search paths are used and a missing file is not an error.
//
// This function is safe to call multiple times (e.g., for config reload).
func Load(cfgFile string) (*Config, error) {
	setDefaults(viper.GetViper())

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if strings.TrimSpace(cfgFile) != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, dir := range defaultConfigDirs() {
			viper.AddConfigPath(dir)
		}
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(viper.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	setConfig(cfg)

	return cfg, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("upstream.token", "")
	v.SetDefault("upstream.base_url", "https://api.stride.example")
	v.SetDefault("upstream.account_id", "default")
	v.SetDefault("upstream.timeout", 15*time.Second)
	v.SetDefault("upstream.page_size", 50)

	// Conservative defaults mirroring the common 150/15min + 5000/day
	// tiers of consumer fitness APIs.
	v.SetDefault("quota.limit_15min", 150)
	v.SetDefault("quota.limit_daily", 5000)
	v.SetDefault("quota.margin", 1.0)

	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.transient_retries", 2)
	v.SetDefault("sync.lease_ttl", 2*time.Minute)
	v.SetDefault("sync.drain_interval", time.Minute)
	v.SetDefault("sync.drain_budget", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

func defaultConfigDirs() []string {
	dirs := []string{"."}
	if base := configHome(); base != "" {
		dirs = append(dirs, filepath.Join(base, "stridemirror"))
	}
	return dirs
}

func configHome() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return xdg
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config")
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	base := configHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, "stridemirror", "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "./stridemirror.db"
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "stridemirror", "stridemirror.db")
}
