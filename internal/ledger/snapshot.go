package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time copy of a device's ledger. It is the payload
// of a data_response message and is never mutated after construction.
type Snapshot struct {
	DeviceInfo        DeviceInfo    `json:"device_info"`
	Transactions      []Transaction `json:"transactions"`
	ExpenseCategories []Category    `json:"expense_categories"`
	IncomeCategories  []Category    `json:"income_categories"`
	BaseCurrency      Currency      `json:"base_currency"`
	ExchangeRates     RateTable     `json:"exchange_rates"`
	Timestamp         time.Time     `json:"timestamp"`
	PackageID         uuid.UUID     `json:"package_id"`
}

// NewSnapshot reads the full contents of store into a new Snapshot
func NewSnapshot(ctx context.Context, device DeviceInfo, store Store) (*Snapshot, error) {
	txs, err := store.ListTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	expense, err := store.ListCategories(ctx, TypeExpense)
	if err != nil {
		return nil, fmt.Errorf("list expense categories: %w", err)
	}
	income, err := store.ListCategories(ctx, TypeIncome)
	if err != nil {
		return nil, fmt.Errorf("list income categories: %w", err)
	}
	base, err := store.BaseCurrency(ctx)
	if err != nil {
		return nil, fmt.Errorf("base currency: %w", err)
	}
	rates, err := store.ExchangeRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange rates: %w", err)
	}

	if device.LastSyncTime != nil {
		t := *device.LastSyncTime
		device.LastSyncTime = &t
	}

	return &Snapshot{
		DeviceInfo:        device,
		Transactions:      append([]Transaction{}, txs...),
		ExpenseCategories: append([]Category{}, expense...),
		IncomeCategories:  append([]Category{}, income...),
		BaseCurrency:      base,
		ExchangeRates:     rates,
		Timestamp:         time.Now().UTC(),
		PackageID:         uuid.New(),
	}, nil
}

// Categories returns the snapshot's categories of one kind
func (s *Snapshot) Categories(kind TransactionType) []Category {
	if kind == TypeIncome {
		return s.IncomeCategories
	}
	return s.ExpenseCategories
}
