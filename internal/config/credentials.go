package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoPassword is returned for an account without a password source.
var ErrNoPassword = errors.New("config: no password configured")

// EnvCredentials reads passwords from the environment variable or file
// named by each account entry.
type EnvCredentials struct {
	cfg *Config
}

func NewEnvCredentials(cfg *Config) *EnvCredentials {
	return &EnvCredentials{cfg: cfg}
}

func (c *EnvCredentials) Password(_ context.Context, account string) (string, error) {
	a, ok := c.cfg.Account(account)
	if !ok {
		return "", fmt.Errorf("config: unknown account %q", account)
	}
	switch {
	case a.PasswordEnv != "":
		pw, ok := os.LookupEnv(a.PasswordEnv)
		if !ok {
			return "", fmt.Errorf("config: %s is not set for account %q", a.PasswordEnv, account)
		}
		return pw, nil
	case a.PasswordFile != "":
		data, err := os.ReadFile(a.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("config: reading password file of %q: %w", account, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	return "", fmt.Errorf("%w for account %q", ErrNoPassword, account)
}

// SetPassword writes the password file. Accounts reading the environment
// cannot be updated.
func (c *EnvCredentials) SetPassword(_ context.Context, account, password string) error {
	a, ok := c.cfg.Account(account)
	if !ok {
		return fmt.Errorf("config: unknown account %q", account)
	}
	if a.PasswordFile == "" {
		return fmt.Errorf("config: account %q has no password_file: %w", account, errors.ErrUnsupported)
	}
	if err := os.MkdirAll(filepath.Dir(a.PasswordFile), 0o700); err != nil {
		return fmt.Errorf("config: creating password directory: %w", err)
	}
	return os.WriteFile(a.PasswordFile, []byte(password+"\n"), 0o600)
}

// MemoryCredentials keeps passwords in a map.
type MemoryCredentials struct {
	mu        sync.Mutex
	passwords map[string]string
}

func NewMemoryCredentials(passwords map[string]string) *MemoryCredentials {
	m := &MemoryCredentials{passwords: make(map[string]string, len(passwords))}
	for k, v := range passwords {
		m.passwords[k] = v
	}
	return m
}

func (m *MemoryCredentials) Password(_ context.Context, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pw, ok := m.passwords[account]
	if !ok {
		return "", fmt.Errorf("%w for account %q", ErrNoPassword, account)
	}
	return pw, nil
}

func (m *MemoryCredentials) SetPassword(_ context.Context, account, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwords[account] = password
	return nil
}
