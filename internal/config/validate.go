package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	minPageSize = 1
	maxPageSize = 1000
	minWorkers  = 1
	maxWorkers  = 64
)

var (
	logLevels = []string{"debug", "info", "warn", "error"}
	services  = []string{"caldav", "carddav"}
)

// Validate checks every value and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Database == "" {
		errs = append(errs, errors.New("database: must not be empty"))
	}
	if !slices.Contains(logLevels, strings.ToLower(cfg.LogLevel)) {
		errs = append(errs, fmt.Errorf("log_level: must be one of %s, got %q", strings.Join(logLevels, ", "), cfg.LogLevel))
	}
	errs = append(errs, validateDuration("debounce", cfg.Debounce, 0)...)
	errs = append(errs, validateDuration("endpoint_ttl", cfg.EndpointTTL, time.Minute)...)
	if cfg.PageSize < minPageSize || cfg.PageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("page_size: must be between %d and %d, got %d", minPageSize, maxPageSize, cfg.PageSize))
	}
	if cfg.Workers < minWorkers || cfg.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("workers: must be between %d and %d, got %d", minWorkers, maxWorkers, cfg.Workers))
	}
	errs = append(errs, oneOf("lock_scope", cfg.LockScope, "account", "collection")...)
	errs = append(errs, oneOf("lock_mode", cfg.LockMode, "block", "coalesce")...)
	errs = append(errs, oneOf("remote_deleted_policy", cfg.RemoteDeletedPolicy, "hold", "recreate")...)
	errs = append(errs, validateNative(&cfg.Native)...)
	errs = append(errs, validateAccounts(cfg.Accounts)...)

	return errors.Join(errs...)
}

func validateDuration(key, s string, least time.Duration) []error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q", key, s)}
	}
	if d < least {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", key, least, d)}
	}
	return nil
}

func oneOf(key, v string, allowed ...string) []error {
	if slices.Contains(allowed, v) {
		return nil
	}
	return []error{fmt.Errorf("%s: must be one of %s, got %q", key, strings.Join(allowed, ", "), v)}
}

func validateNative(n *NativeConfig) []error {
	switch n.Kind {
	case "", "none":
		return nil
	case "vdir":
		if n.Root == "" {
			return []error{errors.New("native.root: required for kind vdir")}
		}
		return nil
	}
	return []error{fmt.Errorf("native.kind: must be vdir or none, got %q", n.Kind)}
}

func validateAccounts(accounts []Account) []error {
	var errs []error
	seen := make(map[string]bool)
	for i, a := range accounts {
		where := fmt.Sprintf("accounts[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: must not be empty", where))
		} else if seen[a.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate account %q", where, a.Name))
		}
		seen[a.Name] = true

		u, err := url.Parse(a.Origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.origin: must be an http or https URL, got %q", where, a.Origin))
		}
		for _, s := range a.Services {
			if !slices.Contains(services, s) {
				errs = append(errs, fmt.Errorf("%s.services: unknown service %q", where, s))
			}
		}
		if a.PasswordEnv != "" && a.PasswordFile != "" {
			errs = append(errs, fmt.Errorf("%s: password_env and password_file are exclusive", where))
		}
	}
	return errs
}
