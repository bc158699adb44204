package reconcile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cnote.dev/go/cnote/internal/ledger"
)

// CSVTimeLayout is the date format of exported rows
const CSVTimeLayout = "2006-01-02 15:04:05"

var csvHeader = []string{"date", "type", "category", "amount", "note", "currency", "id"}

// ExportCSV writes txs newest first, dates rendered in loc. The currency and
// id columns let a later import recognise rows it already holds.
func ExportCSV(w io.Writer, txs []ledger.Transaction, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	sorted := append([]ledger.Transaction(nil), txs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.After(sorted[j].Date) })

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range sorted {
		row := []string{
			t.Date.In(loc).Format(CSVTimeLayout),
			string(t.Type),
			t.Category.Name,
			t.Amount.String(),
			t.Note,
			t.Currency.Code(),
			t.ID.String(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ImportOptions controls how rows are read
type ImportOptions struct {
	// Location is the zone dates are read in; nil means local time
	Location *time.Location
}

// ImportResult counts imported rows by outcome
type ImportResult struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
	// RowErrors describes the first rejected rows
	RowErrors []string `json:"row_errors,omitempty"`
}

const maxRowErrors = 10

func (r *ImportResult) reject(line int, err error) {
	r.Errors++
	if len(r.RowErrors) < maxRowErrors {
		r.RowErrors = append(r.RowErrors, fmt.Sprintf("line %d: %v", line, err))
	}
}

// PlanImport parses CSV rows against local. The first record is a header and
// is skipped. A row is a duplicate when its id is known or SameEntry holds
// for a local or earlier imported transaction. Rows naming an unknown
// category are rejected rather than creating one. Rows without a currency
// column take the local base currency.
func PlanImport(r io.Reader, local Ledger, opts ImportOptions) (*Plan, ImportResult, error) {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	plan := &Plan{}
	var result ImportResult
	known := append([]ledger.Transaction(nil), local.Transactions...)
	parts := map[ledger.TransactionType][]ledger.Category{
		ledger.TypeExpense: local.ExpenseCategories,
		ledger.TypeIncome:  local.IncomeCategories,
	}

	header := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		switch {
		case errors.As(err, &perr):
			if !header {
				result.reject(perr.Line, perr.Err)
			}
			header = false
			continue
		case err != nil:
			return nil, result, fmt.Errorf("read csv: %w", err)
		case header:
			header = false
			continue
		case blank(rec):
			continue
		}
		line, _ := cr.FieldPos(0)

		t, err := parseRow(rec, parts, local.BaseCurrency, opts.Location)
		if err != nil {
			result.reject(line, err)
			continue
		}
		if isDuplicateTransaction(known, t) {
			result.Duplicates++
			continue
		}
		known = append(known, t)
		plan.Transactions = append(plan.Transactions, t)
		result.Imported++
	}
	return plan, result, nil
}

// ImportCSV reads rows from r into store. Accepted rows are written with
// Apply, so a store implementing ledger.BatchStore takes all or none.
func ImportCSV(ctx context.Context, store ledger.Store, r io.Reader, opts ImportOptions) (ImportResult, error) {
	local, err := LoadLocal(ctx, store)
	if err != nil {
		return ImportResult{}, err
	}
	plan, result, err := PlanImport(r, local, opts)
	if err != nil {
		return result, err
	}
	if plan.Empty() {
		return result, nil
	}
	if err := Apply(ctx, store, plan); err != nil {
		return ImportResult{Duplicates: result.Duplicates, Errors: result.Errors, RowErrors: result.RowErrors}, err
	}
	return result, nil
}

func parseRow(rec []string, parts map[ledger.TransactionType][]ledger.Category, base ledger.Currency, loc *time.Location) (ledger.Transaction, error) {
	if len(rec) < 5 {
		return ledger.Transaction{}, fmt.Errorf("want at least 5 columns, have %d", len(rec))
	}
	date, err := time.ParseInLocation(CSVTimeLayout, strings.TrimSpace(rec[0]), loc)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("invalid date %q", rec[0])
	}
	kind, err := parseKind(rec[1])
	if err != nil {
		return ledger.Transaction{}, err
	}
	cat, ok := matchCategory(parts[kind], strings.TrimSpace(rec[2]))
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("no %s category named %q", kind, rec[2])
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(rec[3]))
	if err != nil || !amount.IsPositive() {
		return ledger.Transaction{}, fmt.Errorf("invalid amount %q", rec[3])
	}

	cur := base
	if len(rec) > 5 && strings.TrimSpace(rec[5]) != "" {
		if cur, err = ledger.ParseCurrency(rec[5]); err != nil {
			return ledger.Transaction{}, err
		}
	}

	t := ledger.NewTransaction(amount, cur, cat, rec[4], date)
	if len(rec) > 6 && strings.TrimSpace(rec[6]) != "" {
		id, err := uuid.Parse(strings.TrimSpace(rec[6]))
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("invalid id %q", rec[6])
		}
		t.ID = id
	}
	return t, nil
}

// parseKind accepts the wire names and the display names rows exported by
// the mobile apps carry
func parseKind(s string) (ledger.TransactionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "expense", "支出":
		return ledger.TypeExpense, nil
	case "income", "收入":
		return ledger.TypeIncome, nil
	}
	return "", fmt.Errorf("invalid type %q", s)
}

func matchCategory(cats []ledger.Category, name string) (ledger.Category, bool) {
	for _, c := range cats {
		if strings.EqualFold(c.Name, name) || (c.EnglishName != "" && strings.EqualFold(c.EnglishName, name)) {
			return c, true
		}
	}
	return ledger.Category{}, false
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
