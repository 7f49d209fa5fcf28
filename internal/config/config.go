// Package config loads the control plane's server configuration.
//
// Env-first Load(), with an optional YAML profile layered on top for the
// knobs that are rarely touched at runtime (budget limits, scheduler
// concurrency caps).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	Budget   BudgetConfig   `yaml:"budget"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Flags    map[string]any `yaml:"flags"`
}

// BudgetConfig controls the resource-budget gate (C5).
type BudgetConfig struct {
	CPUPctMax           float64       `yaml:"cpu_pct_max"`
	VRAMMBMax           int64         `yaml:"vram_mb_max"`
	ConcurrentLocalMax  int           `yaml:"concurrent_local_max"`
	ConcurrentRemoteMax int           `yaml:"concurrent_remote_max"`
	LazyEvictionEnabled bool          `yaml:"lazy_eviction_enabled"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
}

// WebhookConfig holds the profile's webhooks section (C2). The hook bus
// does not read it: webhook delivery uses a fixed 60s client timeout and at
// most 5 attempts, both set in internal/hooks.
type WebhookConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// Default returns the compiled-in default configuration.
func Default() *Config {
	return &Config{
		Addr:     "127.0.0.1:8080",
		LogLevel: "info",
		DataDir:  "data",
		Budget: BudgetConfig{
			CPUPctMax:           90,
			VRAMMBMax:           8192,
			ConcurrentLocalMax:  2,
			ConcurrentRemoteMax: 4,
			LazyEvictionEnabled: true,
			RefreshInterval:     time.Second,
		},
		Webhooks: WebhookConfig{
			Timeout:    60 * time.Second,
			MaxRetries: 5,
		},
	}
}

// Load builds configuration from environment variables, then overlays a YAML
// profile file if path is non-empty and exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	if addr := os.Getenv("STUDIO_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if dir := os.Getenv("STUDIO_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if v := os.Getenv("STUDIO_CONCURRENT_LOCAL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Budget.ConcurrentLocalMax = n
		}
	}
	if v := os.Getenv("STUDIO_CONCURRENT_REMOTE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Budget.ConcurrentRemoteMax = n
		}
	}

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
