// Package reconcile merges a remote ledger snapshot into local ledger state.
//
// Merge is pure: it reads a local Ledger view and a remote Snapshot and
// returns a Plan describing what to add, together with the SyncResult that
// applying the plan will produce. Apply writes a Plan to a ledger.Store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cnote.dev/go/cnote/internal/ledger"
)

// FuzzyWindow is the date tolerance under which two otherwise identical
// transactions are considered the same entry recorded twice.
const FuzzyWindow = 120 * time.Second

// ErrMergeFailed is returned when a snapshot cannot be merged or a plan
// cannot be persisted.
var ErrMergeFailed = errors.New("merge failed")

// Ledger is the local state a merge runs against
type Ledger struct {
	Transactions      []ledger.Transaction
	ExpenseCategories []ledger.Category
	IncomeCategories  []ledger.Category
	BaseCurrency      ledger.Currency
	ExchangeRates     ledger.RateTable
}

// LoadLocal reads the current contents of store
func LoadLocal(ctx context.Context, store ledger.Store) (Ledger, error) {
	var l Ledger
	var err error
	if l.Transactions, err = store.ListTransactions(ctx); err != nil {
		return l, fmt.Errorf("list transactions: %w", err)
	}
	if l.ExpenseCategories, err = store.ListCategories(ctx, ledger.TypeExpense); err != nil {
		return l, fmt.Errorf("list expense categories: %w", err)
	}
	if l.IncomeCategories, err = store.ListCategories(ctx, ledger.TypeIncome); err != nil {
		return l, fmt.Errorf("list income categories: %w", err)
	}
	if l.BaseCurrency, err = store.BaseCurrency(ctx); err != nil {
		return l, fmt.Errorf("base currency: %w", err)
	}
	if l.ExchangeRates, err = store.ExchangeRates(ctx); err != nil {
		return l, fmt.Errorf("exchange rates: %w", err)
	}
	return l, nil
}

// Plan is the set of writes a merge decided on, in application order
type Plan struct {
	Categories   []ledger.Category
	Transactions []ledger.Transaction
	Rates        []ledger.RatePair

	// RemoteBaseCurrency is reported but never adopted
	RemoteBaseCurrency  ledger.Currency
	BaseCurrencyDiffers bool

	// FallbacksCreated counts categories in Categories that were minted to
	// home orphaned transactions rather than received from the peer.
	FallbacksCreated int
}

// Empty reports whether applying the plan would change nothing
func (p *Plan) Empty() bool {
	return len(p.Categories) == 0 && len(p.Transactions) == 0 && len(p.Rates) == 0
}

// partition tracks one category namespace as the merge accumulates into it
type partition struct {
	kind       ledger.TransactionType
	categories []ledger.Category
}

func (p *partition) byID(id uuid.UUID) (ledger.Category, bool) {
	for _, c := range p.categories {
		if c.ID == id {
			return c, true
		}
	}
	return ledger.Category{}, false
}

func (p *partition) byName(name string) (ledger.Category, bool) {
	for _, c := range p.categories {
		if c.Name == name {
			return c, true
		}
	}
	return ledger.Category{}, false
}

func (p *partition) isDuplicate(c ledger.Category) bool {
	for _, existing := range p.categories {
		if existing.ID == c.ID || (existing.Name == c.Name && existing.Type == c.Type) {
			return true
		}
	}
	return false
}

// Merge plans the merge of remote into local. It never mutates its inputs.
// A nil or structurally invalid snapshot yields a nil plan and a failed
// result.
func Merge(local Ledger, remote *ledger.Snapshot) (*Plan, ledger.SyncResult) {
	if err := validate(remote); err != nil {
		return nil, ledger.FailedResult(fmt.Errorf("%w: %v", ErrMergeFailed, err))
	}

	plan := &Plan{RemoteBaseCurrency: remote.BaseCurrency}
	result := ledger.SyncResult{IsSuccess: true}

	parts := map[ledger.TransactionType]*partition{
		ledger.TypeExpense: {kind: ledger.TypeExpense, categories: append([]ledger.Category(nil), local.ExpenseCategories...)},
		ledger.TypeIncome:  {kind: ledger.TypeIncome, categories: append([]ledger.Category(nil), local.IncomeCategories...)},
	}

	// Categories: expense first, then income.
	for _, kind := range []ledger.TransactionType{ledger.TypeExpense, ledger.TypeIncome} {
		p := parts[kind]
		for _, c := range remote.Categories(kind) {
			c.Type = kind
			if p.isDuplicate(c) {
				result.CategoriesDuplicated++
				continue
			}
			p.categories = append(p.categories, c)
			plan.Categories = append(plan.Categories, c)
			result.CategoriesAdded++
		}
	}

	// Transactions
	known := append([]ledger.Transaction(nil), local.Transactions...)
	for _, t := range remote.Transactions {
		if isDuplicateTransaction(known, t) {
			result.TransactionsDuplicated++
			continue
		}
		p := parts[t.Type]
		cat, created := resolveCategory(p, t.Category)
		if created {
			p.categories = append(p.categories, cat)
			plan.Categories = append(plan.Categories, cat)
			plan.FallbacksCreated++
		}
		t.Category = cat
		known = append(known, t)
		plan.Transactions = append(plan.Transactions, t)
		result.TransactionsAdded++
	}

	// Exchange rates. A local rate of exactly IdentityRate is treated as
	// unset, so a remote identity rate can never overwrite a real one.
	for _, pair := range remote.ExchangeRates.Pairs() {
		if pair.From == pair.To {
			continue
		}
		current := local.ExchangeRates.Rate(pair.From, pair.To)
		if current == ledger.IdentityRate || pair.Rate != ledger.IdentityRate {
			plan.Rates = append(plan.Rates, pair)
			result.ExchangeRatesSynced++
		}
	}

	// The local base currency always wins.
	plan.BaseCurrencyDiffers = remote.BaseCurrency != local.BaseCurrency
	result.CurrencySettingsSynced = false

	return plan, result
}

// resolveCategory finds the local category an incoming transaction should
// reference: same id, then same name, then the first in the partition.
// When the partition is empty a fallback category is minted and created is
// true.
func resolveCategory(p *partition, want ledger.Category) (cat ledger.Category, created bool) {
	if c, ok := p.byID(want.ID); ok {
		return c, false
	}
	if c, ok := p.byName(want.Name); ok {
		return c, false
	}
	if len(p.categories) > 0 {
		return p.categories[0], false
	}
	return ledger.FallbackCategory(p.kind), true
}

func isDuplicateTransaction(known []ledger.Transaction, t ledger.Transaction) bool {
	for _, k := range known {
		if k.ID == t.ID || SameEntry(k, t) {
			return true
		}
	}
	return false
}

// SameEntry reports whether a and b describe the same real-world entry:
// equal amount, currency, type, category and note, dated less than
// FuzzyWindow apart.
func SameEntry(a, b ledger.Transaction) bool {
	d := a.Date.Sub(b.Date)
	if d < 0 {
		d = -d
	}
	return d < FuzzyWindow &&
		a.Amount.Equal(b.Amount) &&
		a.Currency == b.Currency &&
		a.Type == b.Type &&
		a.Category.ID == b.Category.ID &&
		a.Note == b.Note
}

func validate(s *ledger.Snapshot) error {
	if s == nil {
		return errors.New("no snapshot")
	}
	for _, t := range s.Transactions {
		if !t.Type.Valid() {
			return fmt.Errorf("transaction %s: invalid type %q", t.ID, t.Type)
		}
		if !t.Currency.Valid() {
			return fmt.Errorf("transaction %s: invalid currency", t.ID)
		}
	}
	if !s.BaseCurrency.Valid() {
		return errors.New("invalid base currency")
	}
	return nil
}
