package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds all platform-specific file paths for cnote
type Paths struct {
	ConfigDir string // ~/.config/cnote or equivalent

	ConfigFile   string // ~/.config/cnote/config.toml
	DeviceFile   string // ~/.config/cnote/device.json
	DatabaseFile string // ~/.config/cnote/ledger.db
	AuditLogFile string // ~/.config/cnote/audit.log
}

// GetPaths returns platform-specific paths for cnote
func GetPaths() (*Paths, error) {
	var configDir string

	// Allow override via environment variable (useful for running two devices on one machine)
	if envConfigDir := os.Getenv("CNOTE_CONFIG_DIR"); envConfigDir != "" {
		configDir = envConfigDir
	} else {
		switch runtime.GOOS {
		case "linux", "darwin", "freebsd", "openbsd":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "cnote")

		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "cnote")

		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	return PathsIn(configDir), nil
}

// PathsIn returns the paths rooted at configDir
func PathsIn(configDir string) *Paths {
	return &Paths{
		ConfigDir:    configDir,
		ConfigFile:   filepath.Join(configDir, "config.toml"),
		DeviceFile:   filepath.Join(configDir, "device.json"),
		DatabaseFile: filepath.Join(configDir, "ledger.db"),
		AuditLogFile: filepath.Join(configDir, "audit.log"),
	}
}

// EnsureDirectories creates all required directories with appropriate permissions
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", p.ConfigDir, err)
	}
	return nil
}

// Database returns the ledger database path, honouring a configured override
func (p *Paths) Database(cfg *Config) string {
	if cfg != nil && cfg.Storage.Path != "" {
		return cfg.Storage.Path
	}
	return p.DatabaseFile
}
