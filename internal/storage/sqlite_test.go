package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnote.dev/go/cnote/internal/ledger"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeedAndListCategories(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	empty, err := s.Empty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, s.Seed(ctx))
	require.NoError(t, s.Seed(ctx)) // no-op on a seeded ledger

	expense, err := s.ListCategories(ctx, ledger.TypeExpense)
	require.NoError(t, err)
	income, err := s.ListCategories(ctx, ledger.TypeIncome)
	require.NoError(t, err)

	assert.Len(t, expense, len(ledger.DefaultCategories(ledger.TypeExpense)))
	assert.Len(t, income, len(ledger.DefaultCategories(ledger.TypeIncome)))
	assert.Equal(t, ledger.FallbackCategoryName, expense[len(expense)-1].Name, "insertion order is kept")
}

func TestCategoryIDScopedByType(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id := uuid.New()
	require.NoError(t, s.AddCategory(ctx, ledger.Category{ID: id, Name: "A", Type: ledger.TypeExpense}))
	require.NoError(t, s.AddCategory(ctx, ledger.Category{ID: id, Name: "B", Type: ledger.TypeIncome}))
	assert.ErrorIs(t, s.AddCategory(ctx, ledger.Category{ID: id, Name: "C", Type: ledger.TypeExpense}), ledger.ErrDuplicateID)
}

func TestTransactionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	cat := ledger.Category{ID: uuid.New(), Name: "Food", EnglishName: "Food", Icon: "fork.knife", Color: "orange", Type: ledger.TypeExpense}
	require.NoError(t, s.AddCategory(ctx, cat))

	date := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	tx := ledger.NewTransaction(decimal.RequireFromString("123.45"), ledger.CurrencyCNY, cat, "dinner", date)
	require.NoError(t, s.AddTransaction(ctx, tx))
	assert.ErrorIs(t, s.AddTransaction(ctx, tx), ledger.ErrDuplicateID)

	txs, err := s.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	got := txs[0]
	assert.Equal(t, tx.ID, got.ID)
	assert.True(t, tx.Amount.Equal(got.Amount))
	assert.Equal(t, ledger.CurrencyCNY, got.Currency)
	assert.Equal(t, cat, got.Category)
	assert.Equal(t, "dinner", got.Note)
	assert.True(t, date.Equal(got.Date))
}

func TestRatesAndSettings(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	base, err := s.BaseCurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultCurrency, base)

	require.NoError(t, s.SetBaseCurrency(ctx, ledger.CurrencyUSD))
	base, err = s.BaseCurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.CurrencyUSD, base)

	require.NoError(t, s.SetExchangeRate(ctx, ledger.CurrencyUSD, ledger.CurrencyPHP, 55))
	require.NoError(t, s.SetExchangeRate(ctx, ledger.CurrencyUSD, ledger.CurrencyPHP, 56))
	rates, err := s.ExchangeRates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 56.0, rates.Rate(ledger.CurrencyUSD, ledger.CurrencyPHP))
	assert.Equal(t, 1, rates.Len())

	last, err := s.LastSync(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	now := time.Now()
	require.NoError(t, s.MarkSynced(ctx, now))
	last, err = s.LastSync(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, now.Equal(*last))
}

func TestOpenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Seed(ctx))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	empty, err := s.Empty(ctx)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestApplyBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	cat := ledger.Category{ID: uuid.New(), Name: "Gym", Icon: "figure.run", Color: "green", Type: ledger.TypeExpense}
	tx := ledger.NewTransaction(decimal.RequireFromString("300"), ledger.CurrencyPHP, cat, "monthly", time.Now())
	bad := ledger.Batch{
		Categories:   []ledger.Category{cat},
		Transactions: []ledger.Transaction{tx, tx},
		Rates:        []ledger.RatePair{{From: ledger.CurrencyUSD, To: ledger.CurrencyPHP, Rate: 56}},
	}
	err := s.ApplyBatch(ctx, bad)
	require.ErrorIs(t, err, ledger.ErrDuplicateID)

	cats, err := s.ListCategories(ctx, ledger.TypeExpense)
	require.NoError(t, err)
	assert.Empty(t, cats, "category insert rolled back")
	txs, err := s.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)

	bad.Transactions = bad.Transactions[:1]
	require.NoError(t, s.ApplyBatch(ctx, bad))
	txs, err = s.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	rates, err := s.ExchangeRates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 56.0, rates.Rate(ledger.CurrencyUSD, ledger.CurrencyPHP))
}
