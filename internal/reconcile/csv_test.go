package reconcile

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnote.dev/go/cnote/internal/ledger"
)

func csvLedger(t *testing.T) (*ledger.MemoryStore, ledger.Category, ledger.Category) {
	t.Helper()
	ctx := context.Background()
	s := ledger.NewMemoryStore(ledger.CurrencyPHP)
	food := ledger.Category{ID: uuid.New(), Name: "餐饮", EnglishName: "Food", Icon: "fork.knife", Color: "orange", Type: ledger.TypeExpense}
	salary := category("Salary", ledger.TypeIncome)
	require.NoError(t, s.AddCategory(ctx, food))
	require.NoError(t, s.AddCategory(ctx, salary))
	return s, food, salary
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, food, salary := csvLedger(t)
	lunch := tx("120.50", food, `lunch, "the usual"`, t0)
	pay := tx("30000", salary, "", t0.Add(-24*time.Hour))
	pay.Currency = ledger.CurrencyUSD
	require.NoError(t, src.AddTransaction(ctx, lunch))
	require.NoError(t, src.AddTransaction(ctx, pay))

	txs, err := src.ListTransactions(ctx)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, txs, time.UTC))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "date,type,category,amount,note,currency,id", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2024-05-01 09:00:00,expense,餐饮,120.5,"), "newest first: %s", lines[1])

	// same device: every row is known by id
	res, err := ImportCSV(ctx, src, bytes.NewReader(buf.Bytes()), ImportOptions{Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Duplicates: 2}, res)

	// another ledger with the same category names takes them all
	dst := ledger.NewMemoryStore(ledger.CurrencyPHP)
	require.NoError(t, dst.AddCategory(ctx, category("餐饮", ledger.TypeExpense)))
	require.NoError(t, dst.AddCategory(ctx, category("salary", ledger.TypeIncome)))
	res, err = ImportCSV(ctx, dst, bytes.NewReader(buf.Bytes()), ImportOptions{Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)

	got, err := dst.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	byID := map[string]ledger.Transaction{}
	for _, g := range got {
		byID[g.ID.String()] = g
	}
	l := byID[lunch.ID.String()]
	assert.Equal(t, `lunch, "the usual"`, l.Note)
	assert.True(t, l.Amount.Equal(lunch.Amount))
	assert.True(t, l.Date.Equal(t0))
	assert.Equal(t, ledger.CurrencyUSD, byID[pay.ID.String()].Currency)
	assertReferentialIntegrity(t, dst)
}

func TestImportDuplicateDetection(t *testing.T) {
	ctx := context.Background()
	s, food, _ := csvLedger(t)
	require.NoError(t, s.AddTransaction(ctx, tx("50", food, "coffee", t0)))

	in := "日期,类型,分类,金额,备注\n" +
		"2024-05-01 09:00:40,支出,Food,50,coffee\n" + // 40s from a local entry
		"2024-05-01 09:05:00,expense,餐饮,50,coffee\n" +
		"2024-05-01 09:05:30,expense,Food,50,coffee\n" + // repeats the row above
		"2024-05-01 10:00:00,expense,Food,12,\"tea\"\n"

	res, err := ImportCSV(ctx, s, strings.NewReader(in), ImportOptions{Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, res.Duplicates)
	assert.Zero(t, res.Errors)

	txs, err := s.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
	for _, x := range txs {
		assert.Equal(t, ledger.CurrencyPHP, x.Currency, "rows without currency take the base currency")
	}
}

func TestImportRejectsBadRows(t *testing.T) {
	s, _, _ := csvLedger(t)
	local, err := LoadLocal(context.Background(), s)
	require.NoError(t, err)

	in := strings.Join([]string{
		"date,type,category,amount,note",
		"yesterday,expense,Food,1,",
		"2024-05-01 09:00:00,transfer,Food,1,",
		"2024-05-01 09:00:00,expense,Gym,1,",
		"2024-05-01 09:00:00,expense,Food,-3,",
		"2024-05-01 09:00:00,expense,Food,abc,",
		"2024-05-01 09:00:00,expense,Food",
		"2024-05-01 09:00:00,expense,Food,1,,EUR",
		"2024-05-01 09:00:00,expense,Food,1,,PHP,not-a-uuid",
		",,,,",
		"2024-05-01 09:00:00,income,Salary,1000,ok",
	}, "\n")

	plan, res, err := PlanImport(strings.NewReader(in), local, ImportOptions{Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 8, res.Errors)
	assert.Len(t, res.RowErrors, 8)
	assert.Contains(t, res.RowErrors[0], "line 2")
	require.Len(t, plan.Transactions, 1)
	assert.Equal(t, ledger.TypeIncome, plan.Transactions[0].Type)
}

func TestImportIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s, _, _ := csvLedger(t)
	store := &batchStore{MemoryStore: s, err: assert.AnError}

	in := "date,type,category,amount,note\n2024-05-01 09:00:00,expense,Food,1,\n"
	res, err := ImportCSV(ctx, store, strings.NewReader(in), ImportOptions{Location: time.UTC})
	assert.ErrorIs(t, err, ErrMergeFailed)
	assert.Zero(t, res.Imported)
	require.Len(t, store.batches, 1)
}
