package audit

import (
	"time"
)

// Event is one journal entry
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Message   string         `json:"msg"`
	Role      string         `json:"role,omitempty"`    // initiator or responder
	Peer      string         `json:"peer,omitempty"`    // peer device name
	PeerID    string         `json:"peer_id,omitempty"` // peer device id
	Details   map[string]any `json:"details,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}

// Log levels
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Action constants organized by category
const (
	// Sync actions
	ActionSyncStarted   = "sync.started"
	ActionSyncCompleted = "sync.completed"
	ActionSyncFailed    = "sync.failed"
	ActionSyncCancelled = "sync.cancelled"
	ActionSyncTimedOut  = "sync.timed_out"
	ActionSyncWake      = "sync.wake_restart"

	// Device actions
	ActionDeviceCreated = "device.created"
	ActionDeviceRenamed = "device.renamed"

	// Ledger actions
	ActionLedgerCurrency = "ledger.currency_changed"
	ActionLedgerRateSet  = "ledger.rate_set"
	ActionLedgerImported = "ledger.imported"
	ActionLedgerExported = "ledger.exported"
)

// Categories for filtering
const (
	CategorySync   = "sync"
	CategoryDevice = "device"
	CategoryLedger = "ledger"
)

// AllCategories returns all valid categories
func AllCategories() []string {
	return []string{
		CategorySync,
		CategoryDevice,
		CategoryLedger,
	}
}
