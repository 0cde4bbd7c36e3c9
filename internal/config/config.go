// Package config loads vtsync configuration from a TOML file with
// VTSYNC_* environment overrides, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: remote.url -> VTSYNC_REMOTE_URL.
const EnvPrefix = "VTSYNC"

// Config is the full vtsync configuration.
type Config struct {
	// DataDir holds the local database and logs
	DataDir string `mapstructure:"data_dir" toml:"data_dir"`

	Remote  RemoteConfig  `mapstructure:"remote" toml:"remote"`
	Relay   RelayConfig   `mapstructure:"relay" toml:"relay"`
	Session SessionConfig `mapstructure:"session" toml:"session"`
	Sync    SyncConfig    `mapstructure:"sync" toml:"sync"`
	Log     LogConfig     `mapstructure:"log" toml:"log"`
}

// RemoteConfig locates the remote authority.
type RemoteConfig struct {
	// URL is a Postgres connection string. Empty means not configured.
	URL string `mapstructure:"url" toml:"url"`

	// MaxConns bounds the connection pool (0 = driver default)
	MaxConns int32 `mapstructure:"max_conns" toml:"max_conns"`
}

// RelayConfig configures the realtime and blob relay.
type RelayConfig struct {
	// Addr the relay listens on
	Addr string `mapstructure:"addr" toml:"addr"`

	// PublicURL is how clients reach the relay; signed blob URLs and the
	// realtime endpoint are derived from it
	PublicURL string `mapstructure:"public_url" toml:"public_url"`

	// SigningKey signs blob URLs
	SigningKey string `mapstructure:"signing_key" toml:"signing_key"`

	// AllowedOrigins are extra browser origins (host patterns) allowed to
	// open realtime websockets. Empty means same-origin only.
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins,omitempty"`
}

// SessionConfig is the signed in account. An empty principal is a guest.
type SessionConfig struct {
	Principal string `mapstructure:"principal" toml:"principal"`
	Email     string `mapstructure:"email" toml:"email"`
}

// SyncConfig tunes the engine and connectivity monitor.
type SyncConfig struct {
	// Interval between periodic syncs (0 = only on reconnect)
	Interval time.Duration `mapstructure:"interval" toml:"interval"`

	// PingInterval between connectivity probes
	PingInterval time.Duration `mapstructure:"ping_interval" toml:"ping_interval"`

	// PingTimeout bounds one probe
	PingTimeout time.Duration `mapstructure:"ping_timeout" toml:"ping_timeout"`
}

// LogConfig configures the log file. Logs always go to stderr too.
type LogConfig struct {
	// File is the log path; relative paths are under DataDir. Empty disables.
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Relay: RelayConfig{
			Addr:      ":8787",
			PublicURL: "http://localhost:8787",
		},
		Sync: SyncConfig{
			Interval:     5 * time.Minute,
			PingInterval: 15 * time.Second,
			PingTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			File:       "vtsync.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vtsync"
	}
	return filepath.Join(home, ".vtsync")
}

// DefaultPath returns the config file location used when none is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.toml")
}

// DBPath returns the local database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "local.db")
}

// LogPath returns the resolved log file path, or "" when file logging is
// off.
func (c *Config) LogPath() string {
	if c.Log.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Log.File) {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, c.Log.File)
}

// RealtimeURL returns the websocket endpoint derived from Relay.PublicURL.
func (c *Config) RealtimeURL() string {
	u := strings.TrimRight(c.Relay.PublicURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime"
}

// Validate checks values Load cannot fix.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Remote.URL != "" && c.Relay.SigningKey == "" {
		return fmt.Errorf("relay.signing_key is required when remote.url is set")
	}
	if c.Sync.PingInterval <= 0 || c.Sync.PingTimeout <= 0 {
		return fmt.Errorf("sync.ping_interval and sync.ping_timeout must be positive")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.max_conns", d.Remote.MaxConns)
	v.SetDefault("relay.addr", d.Relay.Addr)
	v.SetDefault("relay.public_url", d.Relay.PublicURL)
	v.SetDefault("relay.signing_key", d.Relay.SigningKey)
	v.SetDefault("relay.allowed_origins", d.Relay.AllowedOrigins)
	v.SetDefault("session.principal", d.Session.Principal)
	v.SetDefault("session.email", d.Session.Email)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.ping_interval", d.Sync.PingInterval)
	v.SetDefault("sync.ping_timeout", d.Sync.PingTimeout)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Load reads path (if it exists) over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("toml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// tomlConfig mirrors Config with durations as strings so the written file
// reads "15s" rather than nanoseconds.
type tomlConfig struct {
	DataDir string        `toml:"data_dir"`
	Remote  RemoteConfig  `toml:"remote"`
	Relay   RelayConfig   `toml:"relay"`
	Session SessionConfig `toml:"session"`
	Sync    struct {
		Interval     string `toml:"interval"`
		PingInterval string `toml:"ping_interval"`
		PingTimeout  string `toml:"ping_timeout"`
	} `toml:"sync"`
	Log LogConfig `toml:"log"`
}

// Write saves cfg to path as TOML, creating parent directories. An existing
// file is only replaced when overwrite is set.
func Write(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := tomlConfig{
		DataDir: cfg.DataDir,
		Remote:  cfg.Remote,
		Relay:   cfg.Relay,
		Session: cfg.Session,
		Log:     cfg.Log,
	}
	out.Sync.Interval = cfg.Sync.Interval.String()
	out.Sync.PingInterval = cfg.Sync.PingInterval.String()
	out.Sync.PingTimeout = cfg.Sync.PingTimeout.String()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(out); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}
