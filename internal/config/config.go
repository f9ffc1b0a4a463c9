// Package config loads the davsync configuration file and resolves account
// credentials.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Defaults for a zero configuration.
const (
	DefaultLogLevel            = "info"
	DefaultDebounce            = "2s"
	DefaultPageSize            = 50
	DefaultWorkers             = 4
	DefaultLockScope           = "account"
	DefaultLockMode            = "block"
	DefaultRemoteDeletedPolicy = "hold"
	DefaultEndpointTTL         = "24h"

	appName = "davsync"
)

// Config is the decoded configuration file.
type Config struct {
	Database            string `toml:"database"`
	LogLevel            string `toml:"log_level"`
	LogFile             string `toml:"log_file"`
	Debounce            string `toml:"debounce"`
	PageSize            int    `toml:"page_size"`
	Workers             int    `toml:"workers"`
	LockScope           string `toml:"lock_scope"`
	LockMode            string `toml:"lock_mode"`
	RemoteDeletedPolicy string `toml:"remote_deleted_policy"`
	EndpointTTL         string `toml:"endpoint_ttl"`

	Native   NativeConfig `toml:"native"`
	Accounts []Account    `toml:"accounts"`
}

// NativeConfig selects the device store mirrored into.
type NativeConfig struct {
	// Kind is "vdir" or "none".
	Kind string `toml:"kind"`
	Root string `toml:"root"`
}

// Account is one [[accounts]] entry.
type Account struct {
	Name     string `toml:"name"`
	Origin   string `toml:"origin"`
	Username string `toml:"username"`
	// Services restricts syncing to "caldav" and/or "carddav". Empty means
	// both.
	Services     []string `toml:"services"`
	PasswordEnv  string   `toml:"password_env"`
	PasswordFile string   `toml:"password_file"`
}

// Syncs reports whether the account syncs collections of service svc.
func (a *Account) Syncs(svc string) bool {
	if len(a.Services) == 0 {
		return true
	}
	for _, s := range a.Services {
		if s == svc {
			return true
		}
	}
	return false
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Database:            filepath.Join(dataDir(), "davsync.db"),
		LogLevel:            DefaultLogLevel,
		Debounce:            DefaultDebounce,
		PageSize:            DefaultPageSize,
		Workers:             DefaultWorkers,
		LockScope:           DefaultLockScope,
		LockMode:            DefaultLockMode,
		RemoteDeletedPolicy: DefaultRemoteDeletedPolicy,
		EndpointTTL:         DefaultEndpointTTL,
		Native:              NativeConfig{Kind: "none"},
	}
}

// DefaultConfigPath is config.toml in the user configuration directory.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(dir, appName, "config.toml")
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", appName)
}

// Account returns the entry named name.
func (c *Config) Account(name string) (*Account, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// DebounceWindow is the parsed debounce value. Validate has checked it.
func (c *Config) DebounceWindow() time.Duration {
	d, _ := time.ParseDuration(c.Debounce)
	return d
}

// EndpointLifetime is the parsed endpoint_ttl value.
func (c *Config) EndpointLifetime() time.Duration {
	d, _ := time.ParseDuration(c.EndpointTTL)
	return d
}

// LockPath is the file guarding the database against a second process.
func (c *Config) LockPath() string {
	return c.Database + ".lock"
}
