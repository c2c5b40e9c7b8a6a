package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/airstrike/airstrike/internal/constants"
)

// ConfigDirectory returns the per-user configuration directory.
//
// Locations:
//   - Windows: %APPDATA%\airstrike
//   - Unix: ~/.config/airstrike
func ConfigDirectory() (string, error) {
	if runtime.GOOS != "windows" {
		// os.UserConfigDir honours XDG_CONFIG_HOME
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, constants.AppName), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, ".config", constants.AppName), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, constants.AppName), nil
}

// DefaultConfigPath returns the default config.ini location.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.ini"), nil
}

// DefaultTokenPath returns the default API token file path, or "" if unknown.
func DefaultTokenPath() string {
	dir, err := ConfigDirectory()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "token")
}

// SessionDirectory returns the directory holding persisted job records.
// A configured state_dir wins over the default.
func (c *Config) SessionDirectory() (string, error) {
	if c.StateDir != "" {
		return c.StateDir, nil
	}
	dir, err := ConfigDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

// SessionStatePath returns the mirror location for the configured session.
// For the file backend this is a JSON file, for badger a database directory.
func (c *Config) SessionStatePath() (string, error) {
	dir, err := c.SessionDirectory()
	if err != nil {
		return "", err
	}
	name := sanitizeSessionName(c.SessionName)
	switch c.MirrorBackend {
	case MirrorBackendBadger:
		return filepath.Join(dir, name+".badger"), nil
	default:
		return filepath.Join(dir, name+".json"), nil
	}
}

// sanitizeSessionName keeps session names usable as file names.
func sanitizeSessionName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
