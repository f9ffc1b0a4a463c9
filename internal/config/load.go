package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Environment variable names for overrides.
const (
	EnvConfig   = "DAVSYNC_CONFIG"
	EnvLogLevel = "DAVSYNC_LOG_LEVEL"
	EnvDatabase = "DAVSYNC_DATABASE"
)

// Load parses and validates the TOML file at path. Unknown keys are errors.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := checkUnknownKeys(md); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, or the defaults when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Resolve picks the config path (flag, then DAVSYNC_CONFIG, then the
// default), loads it and applies the environment overrides.
func Resolve(flagPath string) (*Config, error) {
	path := DefaultConfigPath()
	if p := os.Getenv(EnvConfig); p != "" {
		path = p
	}
	if flagPath != "" {
		path = flagPath
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		cfg.Database = v
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}
