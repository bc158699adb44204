package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnote.dev/go/cnote/internal/ledger"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func category(name string, kind ledger.TransactionType) ledger.Category {
	return ledger.Category{ID: uuid.New(), Name: name, Icon: "circle", Color: "blue", Type: kind}
}

func tx(amount string, cat ledger.Category, note string, at time.Time) ledger.Transaction {
	return ledger.NewTransaction(decimal.RequireFromString(amount), ledger.CurrencyPHP, cat, note, at)
}

func snapshotOf(t *testing.T, s ledger.Store) *ledger.Snapshot {
	t.Helper()
	snap, err := ledger.NewSnapshot(context.Background(), ledger.DeviceInfo{DeviceID: uuid.New(), DeviceName: "peer"}, s)
	require.NoError(t, err)
	return snap
}

func assertReferentialIntegrity(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()
	txs, err := s.ListTransactions(ctx)
	require.NoError(t, err)
	for _, tr := range txs {
		cats, err := s.ListCategories(ctx, tr.Type)
		require.NoError(t, err)
		found := false
		for _, c := range cats {
			if c.ID == tr.Category.ID {
				found = true
				break
			}
		}
		assert.True(t, found, "transaction %s references missing category %s", tr.ID, tr.Category.ID)
	}
}

func TestIdempotentRemerge(t *testing.T) {
	ctx := context.Background()
	food := category("Food", ledger.TypeExpense)
	remote := ledger.NewMemoryStore(ledger.CurrencyPHP)
	require.NoError(t, remote.AddCategory(ctx, food))
	for i, note := range []string{"a", "b", "c"} {
		require.NoError(t, remote.AddTransaction(ctx, tx("10", food, note, t0.Add(time.Duration(i)*time.Hour))))
	}
	snap := snapshotOf(t, remote)

	local := ledger.NewMemoryStore(ledger.CurrencyPHP)
	first := Reconcile(ctx, local, snap, nil)
	require.True(t, first.IsSuccess)
	assert.Equal(t, 3, first.TransactionsAdded)
	assert.Equal(t, 1, first.CategoriesAdded)

	second := Reconcile(ctx, local, snap, nil)
	require.True(t, second.IsSuccess)
	assert.Equal(t, 0, second.TransactionsAdded)
	assert.Equal(t, 0, second.CategoriesAdded)
	assert.Equal(t, len(snap.Transactions), second.TransactionsDuplicated)
	assert.Equal(t, 1, second.CategoriesDuplicated)

	txs, _ := local.ListTransactions(ctx)
	assert.Len(t, txs, 3)
}

func TestExactIDDedup(t *testing.T) {
	food := category("Food", ledger.TypeExpense)
	mine := tx("10", food, "coffee", t0)

	theirs := mine
	theirs.Amount = decimal.NewFromInt(9999)
	theirs.Note = "edited elsewhere"
	theirs.Date = t0.Add(72 * time.Hour)

	local := Ledger{Transactions: []ledger.Transaction{mine}, ExpenseCategories: []ledger.Category{food}}
	remote := &ledger.Snapshot{Transactions: []ledger.Transaction{theirs}, ExpenseCategories: []ledger.Category{food}}

	plan, result := Merge(local, remote)
	require.True(t, result.IsSuccess)
	assert.Equal(t, 1, result.TransactionsDuplicated)
	assert.Equal(t, 0, result.TransactionsAdded)
	assert.Empty(t, plan.Transactions)
}

func TestFuzzyDedupBoundary(t *testing.T) {
	food := category("Food", ledger.TypeExpense)
	base := tx("42.10", food, "lunch", t0)

	tests := []struct {
		name   string
		offset time.Duration
		dup    bool
	}{
		{"same instant", 0, true},
		{"119s later", 119 * time.Second, true},
		{"119s earlier", -119 * time.Second, true},
		{"exactly 120s", 120 * time.Second, false},
		{"121s later", 121 * time.Second, false},
		{"121s earlier", -121 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := tx("42.10", food, "lunch", t0.Add(tt.offset))
			assert.Equal(t, tt.dup, SameEntry(base, other))

			local := Ledger{Transactions: []ledger.Transaction{base}, ExpenseCategories: []ledger.Category{food}}
			_, result := Merge(local, &ledger.Snapshot{Transactions: []ledger.Transaction{other}})
			if tt.dup {
				assert.Equal(t, 1, result.TransactionsDuplicated)
			} else {
				assert.Equal(t, 1, result.TransactionsAdded)
			}
		})
	}
}

func TestFuzzyDedupRequiresAllFields(t *testing.T) {
	food := category("Food", ledger.TypeExpense)
	fun := category("Fun", ledger.TypeExpense)
	base := tx("5.00", food, "snack", t0)

	mutations := map[string]func(*ledger.Transaction){
		"amount":   func(x *ledger.Transaction) { x.Amount = decimal.RequireFromString("5.01") },
		"currency": func(x *ledger.Transaction) { x.Currency = ledger.CurrencyUSD },
		"category": func(x *ledger.Transaction) { x.Category = fun },
		"note":     func(x *ledger.Transaction) { x.Note = "Snack" },
		"type": func(x *ledger.Transaction) {
			x.Type = ledger.TypeIncome
			x.Category.Type = ledger.TypeIncome
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			other := tx("5.00", food, "snack", t0.Add(time.Second))
			mutate(&other)
			assert.False(t, SameEntry(base, other))
		})
	}

	// 5.0 and 5.00 are the same amount
	same := tx("5.0", food, "snack", t0.Add(time.Second))
	assert.True(t, SameEntry(base, same))
}

func TestRemoteTransactionsDedupAgainstEachOther(t *testing.T) {
	food := category("Food", ledger.TypeExpense)
	a := tx("3", food, "bus", t0)
	b := tx("3", food, "bus", t0.Add(30*time.Second))

	local := Ledger{ExpenseCategories: []ledger.Category{food}}
	plan, result := Merge(local, &ledger.Snapshot{Transactions: []ledger.Transaction{a, b, a}})
	assert.Equal(t, 1, result.TransactionsAdded)
	assert.Equal(t, 2, result.TransactionsDuplicated)
	require.Len(t, plan.Transactions, 1)
	assert.Equal(t, a.ID, plan.Transactions[0].ID)
}

func TestCategoryMerge(t *testing.T) {
	food := category("Food", ledger.TypeExpense)
	salary := category("Salary", ledger.TypeIncome)

	sameName := category("Food", ledger.TypeExpense)
	incomeNamedFood := category("Food", ledger.TypeIncome)
	newExpense := category("Travel", ledger.TypeExpense)
	sameID := salary
	sameID.Name = "Wages"

	local := Ledger{ExpenseCategories: []ledger.Category{food}, IncomeCategories: []ledger.Category{salary}}
	remote := &ledger.Snapshot{
		ExpenseCategories: []ledger.Category{sameName, newExpense, food},
		IncomeCategories:  []ledger.Category{sameID, incomeNamedFood},
	}

	plan, result := Merge(local, remote)
	require.True(t, result.IsSuccess)
	assert.Equal(t, 2, result.CategoriesAdded)
	assert.Equal(t, 3, result.CategoriesDuplicated)
	require.Len(t, plan.Categories, 2)
	assert.Equal(t, newExpense.ID, plan.Categories[0].ID, "expense categories are merged first")
	assert.Equal(t, incomeNamedFood.ID, plan.Categories[1].ID)

	// local wins: input untouched
	assert.Equal(t, "Salary", local.IncomeCategories[0].Name)
}

func TestCategoryResolution(t *testing.T) {
	localFood := category("Food", ledger.TypeExpense)
	localRent := category("Rent", ledger.TypeExpense)
	remoteFood := category("Food", ledger.TypeExpense)
	remoteGym := category("Gym", ledger.TypeExpense)
	remoteBonus := category("Bonus", ledger.TypeIncome)

	byName := tx("1", remoteFood, "by name", t0)
	toFirst := tx("2", remoteGym, "first", t0.Add(time.Hour))
	income := tx("3", remoteBonus, "fallback", t0.Add(2*time.Hour))
	income2 := tx("4", remoteBonus, "fallback again", t0.Add(3*time.Hour))

	local := Ledger{ExpenseCategories: []ledger.Category{localFood, localRent}}
	// only transactions, no categories travel with this snapshot
	remote := &ledger.Snapshot{Transactions: []ledger.Transaction{byName, toFirst, income, income2}}

	plan, result := Merge(local, remote)
	require.True(t, result.IsSuccess)
	require.Len(t, plan.Transactions, 4)
	assert.Equal(t, localFood.ID, plan.Transactions[0].Category.ID)
	assert.Equal(t, localFood.ID, plan.Transactions[1].Category.ID)

	require.Len(t, plan.Categories, 1, "one fallback for the empty income partition")
	fallback := plan.Categories[0]
	assert.Equal(t, ledger.FallbackCategoryName, fallback.Name)
	assert.Equal(t, ledger.TypeIncome, fallback.Type)
	assert.Equal(t, fallback.ID, plan.Transactions[2].Category.ID)
	assert.Equal(t, fallback.ID, plan.Transactions[3].Category.ID)
	assert.Equal(t, 1, plan.FallbacksCreated)
	assert.Equal(t, 0, result.CategoriesAdded, "fallbacks are not counted")
}

func TestReferentialInvariantAfterApply(t *testing.T) {
	ctx := context.Background()

	remote := ledger.NewMemoryStore(ledger.CurrencyPHP)
	gym := category("Gym", ledger.TypeExpense)
	bonus := category("Bonus", ledger.TypeIncome)
	require.NoError(t, remote.AddCategory(ctx, gym))
	require.NoError(t, remote.AddCategory(ctx, bonus))
	require.NoError(t, remote.AddTransaction(ctx, tx("10", gym, "", t0)))
	require.NoError(t, remote.AddTransaction(ctx, tx("20", bonus, "", t0)))
	snap := snapshotOf(t, remote)
	// drop categories from the wire copy so every transaction is orphaned
	snap.ExpenseCategories = nil
	snap.IncomeCategories = nil

	for _, local := range []*ledger.MemoryStore{
		ledger.NewMemoryStore(ledger.CurrencyPHP),
		ledger.NewSeededMemoryStore(ledger.CurrencyPHP),
	} {
		result := Reconcile(ctx, local, snap, nil)
		require.True(t, result.IsSuccess)
		assert.Equal(t, 2, result.TransactionsAdded)
		assertReferentialIntegrity(t, local)
	}
}

func TestExchangeRateMerge(t *testing.T) {
	var localRates ledger.RateTable
	localRates.Set(ledger.CurrencyUSD, ledger.CurrencyPHP, 55)  // remote differs: adopt
	localRates.Set(ledger.CurrencyCNY, ledger.CurrencyPHP, 7.8) // remote 1.0: keep
	localRates.Set(ledger.CurrencyPHP, ledger.CurrencyUSD, 1.0) // identity locally: adopt

	var remoteRates ledger.RateTable
	remoteRates.Set(ledger.CurrencyUSD, ledger.CurrencyPHP, 56)
	remoteRates.Set(ledger.CurrencyCNY, ledger.CurrencyPHP, 1.0)
	remoteRates.Set(ledger.CurrencyPHP, ledger.CurrencyUSD, 0.018)
	remoteRates.Set(ledger.CurrencyUSD, ledger.CurrencyCNY, 7.1) // undefined locally: adopt

	plan, result := Merge(Ledger{ExchangeRates: localRates}, &ledger.Snapshot{ExchangeRates: remoteRates})
	require.True(t, result.IsSuccess)
	assert.Equal(t, 3, result.ExchangeRatesSynced)

	adopted := map[string]float64{}
	for _, p := range plan.Rates {
		adopted[p.Key()] = p.Rate
	}
	assert.Equal(t, map[string]float64{"USD_PHP": 56, "PHP_USD": 0.018, "USD_CNY": 7.1}, adopted)
}

func TestBaseCurrencyNeverAdopted(t *testing.T) {
	ctx := context.Background()
	local := ledger.NewMemoryStore(ledger.CurrencyCNY)
	remote := ledger.NewMemoryStore(ledger.CurrencyUSD)

	result := Reconcile(ctx, local, snapshotOf(t, remote), nil)
	require.True(t, result.IsSuccess)
	assert.False(t, result.CurrencySettingsSynced)

	base, _ := local.BaseCurrency(ctx)
	assert.Equal(t, ledger.CurrencyCNY, base)

	plan, _ := Merge(Ledger{BaseCurrency: ledger.CurrencyCNY}, &ledger.Snapshot{BaseCurrency: ledger.CurrencyUSD})
	assert.True(t, plan.BaseCurrencyDiffers)
}

func TestMergeFailure(t *testing.T) {
	_, result := Merge(Ledger{}, nil)
	assert.False(t, result.IsSuccess)
	assert.NotEmpty(t, result.ErrorMessage)

	bad := tx("1", category("x", ledger.TypeExpense), "", t0)
	bad.Type = "transfer"
	plan, result := Merge(Ledger{}, &ledger.Snapshot{Transactions: []ledger.Transaction{bad}})
	assert.Nil(t, plan)
	assert.False(t, result.IsSuccess)
}

type failingStore struct {
	*ledger.MemoryStore
}

func (f failingStore) AddTransaction(ctx context.Context, t ledger.Transaction) error {
	return errors.New("disk full")
}

func TestApplyFailureFailsResult(t *testing.T) {
	ctx := context.Background()
	remote := ledger.NewSeededMemoryStore(ledger.CurrencyPHP)
	cats, _ := remote.ListCategories(ctx, ledger.TypeExpense)
	require.NoError(t, remote.AddTransaction(ctx, tx("1", cats[0], "", t0)))

	store := failingStore{ledger.NewMemoryStore(ledger.CurrencyPHP)}
	result := Reconcile(ctx, store, snapshotOf(t, remote), nil)
	assert.False(t, result.IsSuccess)
	assert.Contains(t, result.ErrorMessage, "disk full")

	err := Apply(ctx, store, &Plan{Transactions: []ledger.Transaction{tx("1", cats[0], "", t0)}})
	assert.ErrorIs(t, err, ErrMergeFailed)
}

type batchStore struct {
	*ledger.MemoryStore
	batches []ledger.Batch
	err     error
}

func (b *batchStore) ApplyBatch(ctx context.Context, batch ledger.Batch) error {
	b.batches = append(b.batches, batch)
	return b.err
}

func TestApplyUsesBatchStore(t *testing.T) {
	ctx := context.Background()
	food := category("Food", ledger.TypeExpense)
	plan := &Plan{
		Categories:   []ledger.Category{food},
		Transactions: []ledger.Transaction{tx("1", food, "", t0)},
	}

	store := &batchStore{MemoryStore: ledger.NewMemoryStore(ledger.CurrencyPHP)}
	require.NoError(t, Apply(ctx, store, plan))
	require.Len(t, store.batches, 1)
	assert.Equal(t, plan.Transactions, store.batches[0].Transactions)
	txs, err := store.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs, "individual writes are bypassed")

	store.err = errors.New("locked")
	assert.ErrorIs(t, Apply(ctx, store, plan), ErrMergeFailed)
}

func TestMergeIsDeterministic(t *testing.T) {
	bonus := category("Bonus", ledger.TypeIncome)
	remote := &ledger.Snapshot{Transactions: []ledger.Transaction{tx("5", bonus, "orphan", t0)}}

	first, _ := Merge(Ledger{}, remote)
	second, _ := Merge(Ledger{}, remote)
	require.Len(t, first.Categories, 1)
	assert.Equal(t, first, second)
	assert.Equal(t, ledger.FallbackCategory(ledger.TypeIncome).ID, first.Categories[0].ID)
}

// Device A (3 transactions, 2 categories) shares with device B
// (1 overlapping transaction, 1 category of its own).
func TestTwoDeviceScenario(t *testing.T) {
	ctx := context.Background()

	food := category("Food", ledger.TypeExpense)
	salary := category("Salary", ledger.TypeIncome)
	a := ledger.NewMemoryStore(ledger.CurrencyPHP)
	require.NoError(t, a.AddCategory(ctx, food))
	require.NoError(t, a.AddCategory(ctx, salary))
	shared := tx("100", food, "groceries", t0)
	require.NoError(t, a.AddTransaction(ctx, shared))
	require.NoError(t, a.AddTransaction(ctx, tx("25", food, "coffee", t0.Add(time.Hour))))
	require.NoError(t, a.AddTransaction(ctx, ledger.NewTransaction(decimal.NewFromInt(5000), ledger.CurrencyPHP, salary, "", t0)))

	travel := category("Travel", ledger.TypeExpense)
	b := ledger.NewMemoryStore(ledger.CurrencyPHP)
	require.NoError(t, b.AddCategory(ctx, travel))
	require.NoError(t, b.AddTransaction(ctx, shared))

	result := Reconcile(ctx, b, snapshotOf(t, a), nil)
	require.True(t, result.IsSuccess)
	assert.Equal(t, 2, result.TransactionsAdded)
	assert.Equal(t, 1, result.TransactionsDuplicated)
	assert.Equal(t, 2, result.CategoriesAdded)
	assertReferentialIntegrity(t, b)

	back := Reconcile(ctx, a, snapshotOf(t, b), nil)
	require.True(t, back.IsSuccess)
	assert.Equal(t, 0, back.TransactionsAdded)
	assert.Equal(t, 3, back.TransactionsDuplicated)
	assert.Equal(t, 1, back.CategoriesAdded)
}
