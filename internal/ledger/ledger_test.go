package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCurrency(t *testing.T) {
	tests := []struct {
		in      string
		want    Currency
		wantErr bool
	}{
		{"PHP", CurrencyPHP, false},
		{"cny", CurrencyCNY, false},
		{" USD ", CurrencyUSD, false},
		{"EUR", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCurrency(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestCurrencyText(t *testing.T) {
	b, err := json.Marshal(map[string]Currency{"c": CurrencyCNY})
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":"CNY"}`, string(b))

	var out map[string]Currency
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, CurrencyCNY, out["c"])

	_, err = Currency(200).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "$", CurrencyUSD.Symbol())
}

func TestRateTableDefaults(t *testing.T) {
	var rt RateTable
	assert.Equal(t, IdentityRate, rt.Rate(CurrencyPHP, CurrencyUSD))
	assert.False(t, rt.Defined(CurrencyPHP, CurrencyUSD))

	rt.Set(CurrencyUSD, CurrencyPHP, 56.2)
	rt.Set(CurrencyUSD, CurrencyUSD, 3)
	assert.Equal(t, 56.2, rt.Rate(CurrencyUSD, CurrencyPHP))
	assert.Equal(t, IdentityRate, rt.Rate(CurrencyUSD, CurrencyUSD))
	assert.Equal(t, 1, rt.Len())
	assert.InDelta(t, 562.0, rt.Convert(10, CurrencyUSD, CurrencyPHP), 1e-9)
}

func TestRateTableJSON(t *testing.T) {
	var rt RateTable
	rt.Set(CurrencyCNY, CurrencyPHP, 7.8)
	rt.Set(CurrencyPHP, CurrencyUSD, 0.018)

	data, err := json.Marshal(rt)
	require.NoError(t, err)
	assert.JSONEq(t, `{"CNY_PHP":7.8,"PHP_USD":0.018}`, string(data))

	var decoded RateTable
	require.NoError(t, json.Unmarshal([]byte(`{"CNY_PHP":7.8,"PHP_USD":0.018,"EUR_USD":1.1,"garbage":2}`), &decoded))
	assert.Equal(t, rt, decoded)
}

func TestParseRateKey(t *testing.T) {
	from, to, err := ParseRateKey("USD_CNY")
	require.NoError(t, err)
	assert.Equal(t, CurrencyUSD, from)
	assert.Equal(t, CurrencyCNY, to)

	for _, bad := range []string{"USD", "USD_CNY_PHP", "USD_XXX", ""} {
		_, _, err := ParseRateKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormattedAmount(t *testing.T) {
	cat := FallbackCategory(TypeExpense)
	tx := NewTransaction(decimal.RequireFromString("12.5"), CurrencyUSD, cat, "", time.Now())
	assert.Equal(t, TypeExpense, tx.Type)
	assert.Equal(t, "-$12.50", tx.FormattedAmount())

	tx.Type = TypeIncome
	assert.Equal(t, "+$12.50", tx.FormattedAmount())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(CurrencyCNY)

	cat := Category{ID: uuid.New(), Name: "Food", Type: TypeExpense}
	require.NoError(t, s.AddCategory(ctx, cat))
	assert.ErrorIs(t, s.AddCategory(ctx, cat), ErrDuplicateID)

	inc := Category{ID: cat.ID, Name: "Salary", Type: TypeIncome}
	require.NoError(t, s.AddCategory(ctx, inc), "ids are scoped per type")

	tx := NewTransaction(decimal.NewFromInt(3), CurrencyCNY, cat, "lunch", time.Now())
	require.NoError(t, s.AddTransaction(ctx, tx))
	assert.ErrorIs(t, s.AddTransaction(ctx, tx), ErrDuplicateID)

	txs, err := s.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)

	// callers get copies
	txs[0].Note = "changed"
	again, _ := s.ListTransactions(ctx)
	assert.Equal(t, "lunch", again[0].Note)

	require.NoError(t, s.SetExchangeRate(ctx, CurrencyCNY, CurrencyUSD, 0.14))
	rates, err := s.ExchangeRates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.14, rates.Rate(CurrencyCNY, CurrencyUSD))
}

func TestDefaultCategories(t *testing.T) {
	expense := DefaultCategories(TypeExpense)
	income := DefaultCategories(TypeIncome)
	require.NotEmpty(t, expense)
	require.NotEmpty(t, income)

	seen := map[uuid.UUID]bool{}
	for _, c := range append(expense, income...) {
		assert.False(t, seen[c.ID])
		seen[c.ID] = true
	}
	for _, c := range expense {
		assert.Equal(t, TypeExpense, c.Type)
	}
	assert.Equal(t, FallbackCategoryName, expense[len(expense)-1].Name)
}

func TestNewSnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewSeededMemoryStore(CurrencyPHP)
	cats, _ := s.ListCategories(ctx, TypeExpense)
	require.NoError(t, s.AddTransaction(ctx, NewTransaction(decimal.NewFromInt(10), CurrencyPHP, cats[0], "", time.Now())))

	synced := time.Now()
	device := DeviceInfo{DeviceName: "phone", DeviceID: uuid.New(), AppVersion: "1.0", LastSyncTime: &synced}
	snap, err := NewSnapshot(ctx, device, s)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, snap.PackageID)
	assert.Len(t, snap.Transactions, 1)
	assert.Equal(t, len(cats), len(snap.Categories(TypeExpense)))

	*device.LastSyncTime = synced.Add(time.Hour)
	assert.True(t, snap.DeviceInfo.LastSyncTime.Equal(synced))

	require.NoError(t, s.AddTransaction(ctx, NewTransaction(decimal.NewFromInt(1), CurrencyPHP, cats[0], "", time.Now())))
	assert.Len(t, snap.Transactions, 1)
}

func TestSnapshotJSON(t *testing.T) {
	ctx := context.Background()
	s := NewSeededMemoryStore(CurrencyUSD)
	require.NoError(t, s.SetExchangeRate(ctx, CurrencyUSD, CurrencyPHP, 56))
	snap, err := NewSnapshot(ctx, DeviceInfo{DeviceID: uuid.New()}, s)
	require.NoError(t, err)

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `{"USD_PHP":56}`, string(raw["exchange_rates"]))
	assert.JSONEq(t, `"USD"`, string(raw["base_currency"]))

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, snap.PackageID, back.PackageID)
	assert.Equal(t, snap.ExchangeRates, back.ExchangeRates)
	assert.Len(t, back.ExpenseCategories, len(snap.ExpenseCategories))
}

func TestSyncResult(t *testing.T) {
	assert.True(t, EmptyResult().IsSuccess)
	r := FailedResult(assert.AnError)
	assert.False(t, r.IsSuccess)
	assert.Equal(t, assert.AnError.Error(), r.ErrorMessage)
	assert.Contains(t, r.String(), "failed")
}
