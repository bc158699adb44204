package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateID is returned when adding an entity whose ID already exists
var ErrDuplicateID = errors.New("duplicate id")

// Store is the persistence contract the sync core reads from and writes to.
// Implementations must be safe for use from one goroutine at a time; the
// coordinator never calls a Store concurrently.
type Store interface {
	ListTransactions(ctx context.Context) ([]Transaction, error)
	ListCategories(ctx context.Context, kind TransactionType) ([]Category, error)
	AddTransaction(ctx context.Context, t Transaction) error
	AddCategory(ctx context.Context, c Category) error
	BaseCurrency(ctx context.Context) (Currency, error)
	ExchangeRates(ctx context.Context) (RateTable, error)
	SetExchangeRate(ctx context.Context, from, to Currency, rate float64) error
}

// Batch is a group of writes that land together or not at all
type Batch struct {
	Categories   []Category
	Transactions []Transaction
	Rates        []RatePair
}

// BatchStore is implemented by stores that can apply a Batch atomically
type BatchStore interface {
	ApplyBatch(ctx context.Context, b Batch) error
}

// DeviceStore records per-device sync bookkeeping
type DeviceStore interface {
	MarkSynced(ctx context.Context, at time.Time) error
}

// MemoryStore is an in-memory Store
type MemoryStore struct {
	mu           sync.RWMutex
	transactions []Transaction
	expense      []Category
	income       []Category
	base         Currency
	rates        RateTable
	lastSync     *time.Time
}

// NewMemoryStore creates an empty store using base as its currency
func NewMemoryStore(base Currency) *MemoryStore {
	return &MemoryStore{base: base}
}

// NewSeededMemoryStore creates a store holding the default categories
func NewSeededMemoryStore(base Currency) *MemoryStore {
	s := NewMemoryStore(base)
	s.expense = DefaultCategories(TypeExpense)
	s.income = DefaultCategories(TypeIncome)
	return s
}

func (s *MemoryStore) ListTransactions(ctx context.Context) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transaction(nil), s.transactions...), nil
}

func (s *MemoryStore) ListCategories(ctx context.Context, kind TransactionType) ([]Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case TypeExpense:
		return append([]Category(nil), s.expense...), nil
	case TypeIncome:
		return append([]Category(nil), s.income...), nil
	}
	return nil, nil
}

func (s *MemoryStore) AddTransaction(ctx context.Context, t Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transactions {
		if existing.ID == t.ID {
			return ErrDuplicateID
		}
	}
	s.transactions = append(s.transactions, t)
	return nil
}

func (s *MemoryStore) AddCategory(ctx context.Context, c Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := &s.expense
	if c.Type == TypeIncome {
		list = &s.income
	}
	for _, existing := range *list {
		if existing.ID == c.ID {
			return ErrDuplicateID
		}
	}
	*list = append(*list, c)
	return nil
}

func (s *MemoryStore) BaseCurrency(ctx context.Context) (Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base, nil
}

// SetBaseCurrency changes the ledger's display currency
func (s *MemoryStore) SetBaseCurrency(c Currency) {
	s.mu.Lock()
	s.base = c
	s.mu.Unlock()
}

func (s *MemoryStore) ExchangeRates(ctx context.Context) (RateTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rates, nil
}

func (s *MemoryStore) SetExchangeRate(ctx context.Context, from, to Currency, rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates.Set(from, to, rate)
	return nil
}

func (s *MemoryStore) MarkSynced(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = &at
	return nil
}

// LastSync returns the time recorded by MarkSynced, or nil
func (s *MemoryStore) LastSync() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSync == nil {
		return nil
	}
	t := *s.lastSync
	return &t
}
