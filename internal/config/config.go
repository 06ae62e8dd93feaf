// Package config loads server configuration from
// ~/.strata/config.yaml with environment overrides. A missing file is
// not an error; defaults apply.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CacheConfig tunes the resolved-context cache.
type CacheConfig struct {
	// Capacity bounds the number of cached resolved views. 0 uses the
	// built-in default.
	Capacity int `yaml:"capacity"`
	// TTLMinutes bounds entry staleness even without writes.
	TTLMinutes int `yaml:"ttl_minutes"`
}

// BatchConfig tunes the batch executor.
type BatchConfig struct {
	// ParallelWorkers caps concurrently executing operations when a
	// batch requests parallel mode.
	ParallelWorkers int `yaml:"parallel_workers"`
	// OperationTimeoutSeconds bounds a single operation's runtime.
	OperationTimeoutSeconds int `yaml:"operation_timeout_seconds"`
}

// Config is the server configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// DataDir holds the SQLite database. Defaults to the home dir.
	DataDir string `yaml:"data_dir"`

	// HTTPAddr is the REST/WebSocket gateway bind address.
	HTTPAddr string `yaml:"http_addr"`

	// DefaultUser scopes requests that carry no explicit user id.
	DefaultUser string `yaml:"default_user"`

	LogLevel string `yaml:"log_level"`

	Cache CacheConfig `yaml:"cache"`
	Batch BatchConfig `yaml:"batch"`
}

// CacheTTL returns the configured cache TTL as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}

// OperationTimeout returns the per-operation batch timeout.
func (c Config) OperationTimeout() time.Duration {
	return time.Duration(c.Batch.OperationTimeoutSeconds) * time.Second
}

// HomeDir returns the strata home directory, honoring STRATA_HOME.
func HomeDir() string {
	if override := os.Getenv("STRATA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".strata"
	}
	return filepath.Join(home, ".strata")
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:    "127.0.0.1:8765",
		DefaultUser: "default",
		LogLevel:    "info",
		Cache: CacheConfig{
			Capacity:   1024,
			TTLMinutes: 15,
		},
		Batch: BatchConfig{
			ParallelWorkers:         8,
			OperationTimeoutSeconds: 30,
		},
	}
}

// Load reads config.yaml from the home directory, creating the
// directory if needed, and applies environment overrides on top.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create strata home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STRATA_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("STRATA_HTTP_ADDR"); raw != "" {
		cfg.HTTPAddr = raw
	}
	if raw := os.Getenv("STRATA_DEFAULT_USER"); raw != "" {
		cfg.DefaultUser = raw
	}
	if raw := os.Getenv("STRATA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STRATA_CACHE_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Cache.Capacity = v
		}
	}
	if raw := os.Getenv("STRATA_CACHE_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Cache.TTLMinutes = v
		}
	}
	if raw := os.Getenv("STRATA_BATCH_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Batch.ParallelWorkers = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = cfg.HomeDir
	}
	if cfg.Cache.Capacity < 0 {
		cfg.Cache.Capacity = 0
	}
	if cfg.Cache.TTLMinutes < 0 {
		cfg.Cache.TTLMinutes = 0
	}
	if cfg.Batch.ParallelWorkers <= 0 {
		cfg.Batch.ParallelWorkers = 1
	}
	if cfg.Batch.OperationTimeoutSeconds <= 0 {
		cfg.Batch.OperationTimeoutSeconds = 30
	}
}
