package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the detection service.
type Config struct {
	General     GeneralConfig     `yaml:"general"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Storage     StorageConfig     `yaml:"storage"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Admin       AdminConfig       `yaml:"admin"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|text
}

type ReputationConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Budget         int    `yaml:"budget"`          // lookups per window
	WindowSeconds  int    `yaml:"window_seconds"`
	RecheckMinutes int    `yaml:"recheck_minutes"` // retry interval for provisional entries
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // file|badger
	Dir     string `yaml:"dir"`
}

type PersistenceConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
	MaxDelayMs int `yaml:"max_delay_ms"`
}

type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with all defaults applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "deepalts-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Reputation.Endpoint == "" {
		cfg.Reputation.Endpoint = "http://ip-api.com/json"
	}
	if cfg.Reputation.TimeoutSeconds == 0 {
		cfg.Reputation.TimeoutSeconds = 5
	}
	if cfg.Reputation.Budget == 0 {
		cfg.Reputation.Budget = 45
	}
	if cfg.Reputation.WindowSeconds == 0 {
		cfg.Reputation.WindowSeconds = 60
	}
	if cfg.Reputation.RecheckMinutes == 0 {
		cfg.Reputation.RecheckMinutes = 60
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Persistence.DebounceMs == 0 {
		cfg.Persistence.DebounceMs = 2000
	}
	if cfg.Persistence.MaxDelayMs == 0 {
		cfg.Persistence.MaxDelayMs = 30000
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = ":8380"
	}
}
