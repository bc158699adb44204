package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Sync.InviteTimeout.Duration != 30*time.Second {
		t.Errorf("InviteTimeout: got %s, want 30s", cfg.Sync.InviteTimeout)
	}
}

func TestLoadFromOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[device]
name = "kitchen-tablet"

[sync]
protocol_timeout = "90s"
max_retries = 2

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Device.Name != "kitchen-tablet" {
		t.Errorf("Device.Name: got %q", cfg.Device.Name)
	}
	if cfg.Sync.ProtocolTimeout.Duration != 90*time.Second {
		t.Errorf("ProtocolTimeout: got %s, want 90s", cfg.Sync.ProtocolTimeout)
	}
	if cfg.Sync.MaxRetries != 2 {
		t.Errorf("MaxRetries: got %d, want 2", cfg.Sync.MaxRetries)
	}
	// untouched keys keep their defaults
	if cfg.Sync.SettleBase.Duration != 6*time.Second {
		t.Errorf("SettleBase: got %s, want 6s", cfg.Sync.SettleBase)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want text", cfg.Logging.Format)
	}
}

func TestLoadFromBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\ninvite_timeout = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Device.Name = "phone"
	cfg.Sync.RetrySettle = Dur(2500 * time.Millisecond)

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `retry_settle = "2.5s"`) {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.Device.Name != "phone" || loaded.Sync.RetrySettle != cfg.Sync.RetrySettle {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty service type", func(c *Config) { c.Sync.ServiceType = "" }},
		{"port out of range", func(c *Config) { c.Sync.Port = 70000 }},
		{"negative retries", func(c *Config) { c.Sync.MaxRetries = -1 }},
		{"zero protocol timeout", func(c *Config) { c.Sync.ProtocolTimeout = Dur(0) }},
		{"negative settle", func(c *Config) { c.Sync.SettleBase = Dur(-time.Second) }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"status without addr", func(c *Config) { c.Status.Enabled = true; c.Status.Addr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGetPathsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CNOTE_CONFIG_DIR", dir)

	p, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths: %v", err)
	}
	if p.ConfigFile != filepath.Join(dir, "config.toml") {
		t.Errorf("ConfigFile: got %s", p.ConfigFile)
	}
	if p.Database(nil) != filepath.Join(dir, "ledger.db") {
		t.Errorf("Database: got %s", p.Database(nil))
	}

	cfg := Default()
	cfg.Storage.Path = "/data/other.db"
	if p.Database(cfg) != "/data/other.db" {
		t.Errorf("Database override ignored: %s", p.Database(cfg))
	}
}

func TestLoadOrCreateDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	first, created, err := LoadOrCreateDevice(path, "Ana's phone")
	if err != nil {
		t.Fatalf("LoadOrCreateDevice: %v", err)
	}
	if !created {
		t.Error("first call should create the file")
	}
	if first.DeviceName != "Ana's phone" {
		t.Errorf("DeviceName: got %q", first.DeviceName)
	}

	second, created, err := LoadOrCreateDevice(path, "ignored")
	if err != nil {
		t.Fatalf("LoadOrCreateDevice: %v", err)
	}
	if created {
		t.Error("second call should reuse the file")
	}
	if second.DeviceID != first.DeviceID {
		t.Errorf("device id changed: %s != %s", second.DeviceID, first.DeviceID)
	}

	info := second.Info("1.2.0", nil)
	if info.DeviceID != first.DeviceID || info.AppVersion != "1.2.0" {
		t.Errorf("Info: got %+v", info)
	}
}

func TestLoadDeviceCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrCreateDevice(path, "x"); err == nil {
		t.Fatal("a device file without an id must not be silently replaced")
	}
}
