package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the cnote configuration file
type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Sync    SyncConfig    `toml:"sync"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Status  StatusConfig  `toml:"status"`
}

// DeviceConfig contains device naming settings
type DeviceConfig struct {
	Name     string `toml:"name"`     // shown to peers; defaults to the hostname
	Language string `toml:"language"` // en or zh; empty detects from the environment
}

// SyncConfig contains discovery, connection and protocol settings
type SyncConfig struct {
	ServiceType     string   `toml:"service_type"`
	Port            int      `toml:"port"` // 0 picks a free port
	InviteTimeout   Duration `toml:"invite_timeout"`
	ProtocolTimeout Duration `toml:"protocol_timeout"`
	MaxRetries      int      `toml:"max_retries"`
	SettleBase      Duration `toml:"settle_base"`
	SettleStep      Duration `toml:"settle_step"`
	BrowseSettle    Duration `toml:"browse_settle"`
	BrowseInterval  Duration `toml:"browse_interval"`
	ResetSettle     Duration `toml:"reset_settle"`
	RetrySettle     Duration `toml:"retry_settle"`
}

// StorageConfig contains ledger database settings
type StorageConfig struct {
	Path string `toml:"path"` // empty uses ledger.db in the config dir
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// StatusConfig contains the status feed settings
type StatusConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Duration is a time.Duration written as a string ("30s") in TOML
type Duration struct {
	time.Duration
}

// Dur wraps d
func Dur(d time.Duration) Duration {
	return Duration{d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "",
		},
		Sync: SyncConfig{
			ServiceType:     "_cnote-sync._tcp",
			Port:            0,
			InviteTimeout:   Dur(30 * time.Second),
			ProtocolTimeout: Dur(60 * time.Second),
			MaxRetries:      5,
			SettleBase:      Dur(6 * time.Second),
			SettleStep:      Dur(3 * time.Second),
			BrowseSettle:    Dur(3 * time.Second),
			BrowseInterval:  Dur(5 * time.Second),
			ResetSettle:     Dur(time.Second),
			RetrySettle:     Dur(time.Second),
		},
		Storage: StorageConfig{
			Path: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Status: StatusConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7845",
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Sync.ServiceType == "" {
		return fmt.Errorf("sync service type is required")
	}

	if c.Sync.Port < 0 || c.Sync.Port > 65535 {
		return fmt.Errorf("invalid sync port: %d", c.Sync.Port)
	}

	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d", c.Sync.MaxRetries)
	}

	positive := map[string]Duration{
		"invite_timeout":   c.Sync.InviteTimeout,
		"protocol_timeout": c.Sync.ProtocolTimeout,
		"browse_interval":  c.Sync.BrowseInterval,
	}
	for name, d := range positive {
		if d.Duration <= 0 {
			return fmt.Errorf("invalid %s: %s", name, d)
		}
	}

	nonNegative := map[string]Duration{
		"settle_base":   c.Sync.SettleBase,
		"settle_step":   c.Sync.SettleStep,
		"browse_settle": c.Sync.BrowseSettle,
		"reset_settle":  c.Sync.ResetSettle,
		"retry_settle":  c.Sync.RetrySettle,
	}
	for name, d := range nonNegative {
		if d.Duration < 0 {
			return fmt.Errorf("invalid %s: %s", name, d)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		return fmt.Errorf("status feed enabled without an address")
	}

	return nil
}
