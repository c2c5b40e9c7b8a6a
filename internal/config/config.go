// Package config provides configuration management for the airstrike client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/validation"
)

// Mirror backends for the persisted job record.
const (
	MirrorBackendFile   = "file"
	MirrorBackendBadger = "badger"
	MirrorBackendMemory = "memory"
)

// Config is the client configuration.
//
// INI format:
//
//	[server]
//	api_url = http://127.0.0.1:5000
//	events_url =
//	api_key =
//
//	[monitor]
//	poll_interval_ms = 2000
//	missed_tick_budget = 5
//	request_timeout_ms = 5000
//	request_retries = 0
//	rate_limit_per_second = 10
//	push_enabled = true
//	push_reconnect_attempts = 3
//	max_log_entries = 200
//
//	[session]
//	name = default
//	mirror_backend = file
//	state_dir =
//
//	[proxy]
//	mode = no-proxy
//
//	[notifications]
//	enabled = true
type Config struct {
	// Server connection
	APIBaseURL string
	EventsURL  string // empty = derived from APIBaseURL
	APIKey     string

	// Pull/push channel tuning
	PollInterval          time.Duration
	MissedTickBudget      int
	RequestTimeout        time.Duration
	RequestRetries        int // retries inside the HTTP transport; 0 leaves retry policy to the reconciler
	RateLimitPerSecond    float64
	PushEnabled           bool
	PushReconnectAttempts int
	MaxLogEntries         int

	// Session persistence
	SessionName   string
	MirrorBackend string
	StateDir      string

	// Proxy settings
	ProxyMode     string // "no-proxy", "ntlm", "basic", "system"
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string // Comma-separated list of hosts to bypass proxy
	ProxyWarmup   bool

	// Notifications
	NotificationsEnabled bool
}

// Validation errors
var (
	ErrMissingAPIURL         = errors.New("api_url is required")
	ErrInvalidAPIURL         = errors.New("api_url must be an absolute http(s) URL")
	ErrInvalidPollInterval   = fmt.Errorf("poll interval must be at least %s", constants.MinPollInterval)
	ErrInvalidMissedBudget   = fmt.Errorf("missed_tick_budget must be at least %d", constants.MinMissedTickBudget)
	ErrInvalidMirrorBackend  = errors.New("mirror_backend must be one of file, badger, memory")
	ErrInvalidMaxLogEntries  = errors.New("max_log_entries must be positive")
	ErrInvalidRequestTimeout = errors.New("request_timeout_ms must be positive")
)

// NewConfig returns a configuration populated with defaults.
func NewConfig() *Config {
	return &Config{
		APIBaseURL:            "http://" + constants.SimulatorListenAddr,
		PollInterval:          constants.DefaultPollInterval,
		MissedTickBudget:      constants.DefaultMissedTickBudget,
		RequestTimeout:        constants.DefaultRequestTimeout,
		RateLimitPerSecond:    constants.DefaultRateLimitPerSecond,
		PushEnabled:           true,
		PushReconnectAttempts: constants.DefaultPushReconnectAttempts,
		MaxLogEntries:         constants.DefaultMaxLogEntries,
		SessionName:           "default",
		MirrorBackend:         MirrorBackendFile,
		ProxyMode:             "no-proxy",
		NotificationsEnabled:  true,
	}
}

// Load reads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	server := iniFile.Section("server")
	cfg.APIBaseURL = server.Key("api_url").MustString(cfg.APIBaseURL)
	cfg.EventsURL = server.Key("events_url").String()
	cfg.APIKey = server.Key("api_key").String()

	monitor := iniFile.Section("monitor")
	cfg.PollInterval = time.Duration(monitor.Key("poll_interval_ms").MustInt64(cfg.PollInterval.Milliseconds())) * time.Millisecond
	cfg.MissedTickBudget = monitor.Key("missed_tick_budget").MustInt(cfg.MissedTickBudget)
	cfg.RequestTimeout = time.Duration(monitor.Key("request_timeout_ms").MustInt64(cfg.RequestTimeout.Milliseconds())) * time.Millisecond
	cfg.RequestRetries = monitor.Key("request_retries").MustInt(0)
	cfg.RateLimitPerSecond = monitor.Key("rate_limit_per_second").MustFloat64(cfg.RateLimitPerSecond)
	cfg.PushEnabled = monitor.Key("push_enabled").MustBool(true)
	cfg.PushReconnectAttempts = monitor.Key("push_reconnect_attempts").MustInt(cfg.PushReconnectAttempts)
	cfg.MaxLogEntries = monitor.Key("max_log_entries").MustInt(cfg.MaxLogEntries)

	session := iniFile.Section("session")
	cfg.SessionName = session.Key("name").MustString(cfg.SessionName)
	cfg.MirrorBackend = strings.ToLower(session.Key("mirror_backend").MustString(cfg.MirrorBackend))
	cfg.StateDir = session.Key("state_dir").String()

	proxy := iniFile.Section("proxy")
	cfg.ProxyMode = proxy.Key("mode").MustString(cfg.ProxyMode)
	cfg.ProxyHost = proxy.Key("host").String()
	cfg.ProxyPort = proxy.Key("port").MustInt(0)
	cfg.ProxyUser = proxy.Key("user").String()
	cfg.ProxyPassword = proxy.Key("password").String()
	cfg.NoProxy = proxy.Key("no_proxy").String()
	cfg.ProxyWarmup = proxy.Key("warmup").MustBool(false)

	cfg.NotificationsEnabled = iniFile.Section("notifications").Key("enabled").MustBool(true)

	return cfg, nil
}

// Save writes configuration to an INI file.
// Creates parent directories if they don't exist.
// The API key and proxy password are stored in the file - the file is written 0600.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	sections := []struct {
		name string
		keys [][2]string
	}{
		{"server", [][2]string{
			{"api_url", cfg.APIBaseURL},
			{"events_url", cfg.EventsURL},
			{"api_key", cfg.APIKey},
		}},
		{"monitor", [][2]string{
			{"poll_interval_ms", fmt.Sprintf("%d", cfg.PollInterval.Milliseconds())},
			{"missed_tick_budget", fmt.Sprintf("%d", cfg.MissedTickBudget)},
			{"request_timeout_ms", fmt.Sprintf("%d", cfg.RequestTimeout.Milliseconds())},
			{"request_retries", fmt.Sprintf("%d", cfg.RequestRetries)},
			{"rate_limit_per_second", fmt.Sprintf("%g", cfg.RateLimitPerSecond)},
			{"push_enabled", fmt.Sprintf("%t", cfg.PushEnabled)},
			{"push_reconnect_attempts", fmt.Sprintf("%d", cfg.PushReconnectAttempts)},
			{"max_log_entries", fmt.Sprintf("%d", cfg.MaxLogEntries)},
		}},
		{"session", [][2]string{
			{"name", cfg.SessionName},
			{"mirror_backend", cfg.MirrorBackend},
			{"state_dir", cfg.StateDir},
		}},
		{"proxy", [][2]string{
			{"mode", cfg.ProxyMode},
			{"host", cfg.ProxyHost},
			{"port", fmt.Sprintf("%d", cfg.ProxyPort)},
			{"user", cfg.ProxyUser},
			{"password", cfg.ProxyPassword},
			{"no_proxy", cfg.NoProxy},
			{"warmup", fmt.Sprintf("%t", cfg.ProxyWarmup)},
		}},
		{"notifications", [][2]string{
			{"enabled", fmt.Sprintf("%t", cfg.NotificationsEnabled)},
		}},
	}

	for _, s := range sections {
		section, err := iniFile.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", s.name, err)
		}
		for _, kv := range s.keys {
			section.Key(kv[0]).SetValue(kv[1])
		}
	}

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// MergeWithEnv applies environment overrides.
// Priority: flags > environment > config file > defaults, so call this before MergeWithFlags.
func (c *Config) MergeWithEnv() {
	if v := os.Getenv("AIRSTRIKE_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("AIRSTRIKE_EVENTS_URL"); v != "" {
		c.EventsURL = v
	}
	if v := os.Getenv("AIRSTRIKE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("AIRSTRIKE_SESSION"); v != "" {
		c.SessionName = v
	}
}

// MergeWithFlags applies non-empty command line overrides.
func (c *Config) MergeWithFlags(apiURL, apiKey, session string) {
	if apiURL != "" {
		c.APIBaseURL = apiURL
	}
	if apiKey != "" {
		c.APIKey = apiKey
	}
	if session != "" {
		c.SessionName = session
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return ErrMissingAPIURL
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidAPIURL
	}
	if c.PollInterval < constants.MinPollInterval {
		return ErrInvalidPollInterval
	}
	if c.MissedTickBudget < constants.MinMissedTickBudget {
		return ErrInvalidMissedBudget
	}
	if c.RequestTimeout <= 0 {
		return ErrInvalidRequestTimeout
	}
	if c.MaxLogEntries <= 0 {
		return ErrInvalidMaxLogEntries
	}
	switch c.MirrorBackend {
	case MirrorBackendFile, MirrorBackendBadger, MirrorBackendMemory:
	default:
		return ErrInvalidMirrorBackend
	}
	if err := validation.ValidateSessionName(c.SessionName); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	return nil
}

// ResolveAPIKeySource returns the API key and where it came from.
//
// Priority (highest to lowest):
//  1. explicitly provided key (e.g. --api-key flag)
//  2. config file / environment (already merged into c)
//  3. default token file (~/.config/airstrike/token)
//
// The source is "flag", "config", "token-file" or "" if no key was found.
// The job API may run without authentication, so an empty key is not an error.
func (c *Config) ResolveAPIKeySource(flagKey string) (string, string) {
	if flagKey != "" {
		return flagKey, "flag"
	}
	if c.APIKey != "" {
		return c.APIKey, "config"
	}
	if key, err := ReadTokenFile(DefaultTokenPath()); err == nil && key != "" {
		return key, "token-file"
	}
	return "", ""
}

// ReadTokenFile reads an API key from a token file, trimming whitespace.
func ReadTokenFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("no token file path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
