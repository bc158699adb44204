// Package ledger holds the finance data model exchanged during sync and the
// store contract the sync core reads from and writes to.
package ledger

import (
	"fmt"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType separates income from expense. Categories are partitioned
// by type.
type TransactionType string

const (
	TypeIncome  TransactionType = "income"
	TypeExpense TransactionType = "expense"
)

// Valid reports whether t is income or expense
func (t TransactionType) Valid() bool {
	return t == TypeIncome || t == TypeExpense
}

// ParseTransactionType parses "income" or "expense"
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
	return t, nil
}

// Category classifies transactions. IDs are unique within a type partition.
type Category struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	EnglishName string          `json:"english_name,omitempty"`
	Icon        string          `json:"icon"`
	Color       string          `json:"color"`
	Type        TransactionType `json:"type"`
}

// Transaction is a single ledger entry. The category is embedded by value
// so that a snapshot is self-contained.
type Transaction struct {
	ID       uuid.UUID       `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
	Type     TransactionType `json:"type"`
	Category Category        `json:"category"`
	Note     string          `json:"note"`
	Date     time.Time       `json:"date"`
}

// NewTransaction creates a transaction with a fresh ID
func NewTransaction(amount decimal.Decimal, cur Currency, category Category, note string, date time.Time) Transaction {
	return Transaction{
		ID:       uuid.New(),
		Amount:   amount,
		Currency: cur,
		Type:     category.Type,
		Category: category,
		Note:     note,
		Date:     date,
	}
}

// FormattedAmount renders the amount in its currency, signed by type
func (t Transaction) FormattedAmount() string {
	cur := money.GetCurrency(t.Currency.Code())
	fraction := int32(2)
	if cur != nil {
		fraction = int32(cur.Fraction)
	}
	minor := t.Amount.Shift(fraction).Round(0).IntPart()
	s := money.New(minor, t.Currency.Code()).Display()
	if t.Type == TypeIncome {
		return "+" + s
	}
	return "-" + s
}

// DeviceInfo describes one installation. DeviceID is the only identifier
// that is stable across sessions.
type DeviceInfo struct {
	DeviceName   string     `json:"device_name"`
	DeviceID     uuid.UUID  `json:"device_id"`
	AppVersion   string     `json:"app_version"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

// PairingHint is exchanged out of band (a scanned code) to tell a browsing
// device which peer it is looking for. It carries no cryptographic trust.
type PairingHint struct {
	DeviceID   uuid.UUID `json:"device_id"`
	DeviceName string    `json:"device_name"`
	AppVersion string    `json:"app_version"`
}

// Hint returns the pairing hint that identifies d
func (d DeviceInfo) Hint() PairingHint {
	return PairingHint{DeviceID: d.DeviceID, DeviceName: d.DeviceName, AppVersion: d.AppVersion}
}

// SyncResult is the terminal report of one merge
type SyncResult struct {
	IsSuccess              bool   `json:"is_success"`
	TransactionsAdded      int    `json:"transactions_added"`
	TransactionsDuplicated int    `json:"transactions_duplicated"`
	CategoriesAdded        int    `json:"categories_added"`
	CategoriesDuplicated   int    `json:"categories_duplicated"`
	ExchangeRatesSynced    int    `json:"exchange_rates_synced"`
	CurrencySettingsSynced bool   `json:"currency_settings_synced"`
	ErrorMessage           string `json:"error_message,omitempty"`
}

// EmptyResult is the result shown before any sync has run
func EmptyResult() SyncResult {
	return SyncResult{IsSuccess: true}
}

// FailedResult builds a failed result carrying err's message
func FailedResult(err error) SyncResult {
	msg := "sync failed"
	if err != nil {
		msg = err.Error()
	}
	return SyncResult{IsSuccess: false, ErrorMessage: msg}
}

func (r SyncResult) String() string {
	if !r.IsSuccess {
		return "failed: " + r.ErrorMessage
	}
	return fmt.Sprintf("%d transactions added (%d duplicate), %d categories added (%d duplicate), %d rates synced",
		r.TransactionsAdded, r.TransactionsDuplicated, r.CategoriesAdded, r.CategoriesDuplicated, r.ExchangeRatesSynced)
}
