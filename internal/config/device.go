package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"cnote.dev/go/cnote/internal/ledger"
)

// DeviceIdentity is the persisted identity of this installation. The ID is
// generated once; the name may be changed.
type DeviceIdentity struct {
	DeviceID   uuid.UUID `json:"device_id"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Info returns the DeviceInfo sent to peers
func (d *DeviceIdentity) Info(appVersion string, lastSync *time.Time) ledger.DeviceInfo {
	return ledger.DeviceInfo{
		DeviceName:   d.DeviceName,
		DeviceID:     d.DeviceID,
		AppVersion:   appVersion,
		LastSyncTime: lastSync,
	}
}

// LoadDevice loads the device identity from the default path
func LoadDevice() (*DeviceIdentity, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	return LoadDeviceFrom(paths.DeviceFile)
}

// LoadDeviceFrom loads the device identity from a specific path
func LoadDeviceFrom(path string) (*DeviceIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}

	var d DeviceIdentity
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse device file: %w", err)
	}
	if d.DeviceID == uuid.Nil {
		return nil, fmt.Errorf("device file %s has no device id", path)
	}

	return &d, nil
}

// LoadOrCreateDevice loads the identity at path, creating one named name
// if the file does not exist. created reports whether a new file was
// written.
func LoadOrCreateDevice(path, name string) (d *DeviceIdentity, created bool, err error) {
	d, err = LoadDeviceFrom(path)
	if err == nil {
		return d, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	d = &DeviceIdentity{
		DeviceID:   uuid.New(),
		DeviceName: DefaultDeviceName(name),
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.SaveTo(path); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// SaveTo saves the device identity to a specific path
func (d *DeviceIdentity) SaveTo(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device file: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write device file: %w", err)
	}

	return nil
}

// DefaultDeviceName returns name, or the hostname when name is blank
func DefaultDeviceName(name string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "cnote"
}
