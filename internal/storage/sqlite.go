// Package storage provides a SQLite-backed ledger.Store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"cnote.dev/go/cnote/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS categories (
  id TEXT NOT NULL,
  type TEXT NOT NULL,
  name TEXT NOT NULL,
  english_name TEXT NOT NULL DEFAULT '',
  icon TEXT NOT NULL,
  color TEXT NOT NULL,
  position INTEGER NOT NULL,
  PRIMARY KEY (id, type)
);
CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  amount TEXT NOT NULL,
  currency TEXT NOT NULL,
  type TEXT NOT NULL,
  category_id TEXT NOT NULL,
  category_name TEXT NOT NULL,
  category_english_name TEXT NOT NULL DEFAULT '',
  category_icon TEXT NOT NULL,
  category_color TEXT NOT NULL,
  note TEXT NOT NULL DEFAULT '',
  date INTEGER NOT NULL,
  position INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS exchange_rates (
  from_currency TEXT NOT NULL,
  to_currency TEXT NOT NULL,
  rate REAL NOT NULL,
  PRIMARY KEY (from_currency, to_currency)
);
CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`

const settingBaseCurrency = "base_currency"

// SQLiteStore implements ledger.Store, ledger.BatchStore and
// ledger.DeviceStore over database/sql
type SQLiteStore struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open opens (creating if needed) the ledger database at dsn and applies the schema
func Open(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Empty reports whether the ledger has no categories yet
func (s *SQLiteStore) Empty(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `select count(*) from categories`).Scan(&n); err != nil {
		return false, fmt.Errorf("count categories: %w", err)
	}
	return n == 0, nil
}

// Seed inserts the default categories into an empty ledger
func (s *SQLiteStore) Seed(ctx context.Context) error {
	empty, err := s.Empty(ctx)
	if err != nil || !empty {
		return err
	}
	for _, kind := range []ledger.TransactionType{ledger.TypeExpense, ledger.TypeIncome} {
		for _, c := range ledger.DefaultCategories(kind) {
			if err := s.AddCategory(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	query := `select id, amount, currency, type, category_id, category_name, category_english_name,
		category_icon, category_color, note, date from transactions order by position`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select transactions: %w", err)
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		var (
			t                          ledger.Transaction
			id, amount, cur, kind, cid string
			unixMilli                  int64
		)
		if err := rows.Scan(&id, &amount, &cur, &kind, &cid, &t.Category.Name, &t.Category.EnglishName,
			&t.Category.Icon, &t.Category.Color, &t.Note, &unixMilli); err != nil {
			return nil, err
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("transaction id %q: %w", id, err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", id, err)
		}
		if t.Currency, err = ledger.ParseCurrency(cur); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", id, err)
		}
		if t.Category.ID, err = uuid.Parse(cid); err != nil {
			return nil, fmt.Errorf("transaction %s category id: %w", id, err)
		}
		t.Type = ledger.TransactionType(kind)
		t.Category.Type = t.Type
		t.Date = time.UnixMilli(unixMilli).UTC()
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) ListCategories(ctx context.Context, kind ledger.TransactionType) ([]ledger.Category, error) {
	query := `select id, name, english_name, icon, color from categories where type=? order by position`
	rows, err := s.db.QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to select categories: %w", err)
	}
	defer rows.Close()

	var result []ledger.Category
	for rows.Next() {
		var (
			c  ledger.Category
			id string
		)
		if err := rows.Scan(&id, &c.Name, &c.EnglishName, &c.Icon, &c.Color); err != nil {
			return nil, err
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("category id %q: %w", id, err)
		}
		c.Type = kind
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) AddTransaction(ctx context.Context, t ledger.Transaction) error {
	return insertTransaction(ctx, s.db, t)
}

func insertTransaction(ctx context.Context, db execer, t ledger.Transaction) error {
	query := `insert into transactions (id, amount, currency, type, category_id, category_name,
		category_english_name, category_icon, category_color, note, date, position)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (select coalesce(max(position), 0) + 1 from transactions))`
	_, err := db.ExecContext(ctx, query,
		t.ID.String(), t.Amount.String(), t.Currency.Code(), string(t.Type),
		t.Category.ID.String(), t.Category.Name, t.Category.EnglishName, t.Category.Icon, t.Category.Color,
		t.Note, t.Date.UnixMilli())
	if err != nil {
		if isConstraint(err) {
			return ledger.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddCategory(ctx context.Context, c ledger.Category) error {
	return insertCategory(ctx, s.db, c)
}

func insertCategory(ctx context.Context, db execer, c ledger.Category) error {
	query := `insert into categories (id, type, name, english_name, icon, color, position)
		values (?, ?, ?, ?, ?, ?, (select coalesce(max(position), 0) + 1 from categories))`
	_, err := db.ExecContext(ctx, query,
		c.ID.String(), string(c.Type), c.Name, c.EnglishName, c.Icon, c.Color)
	if err != nil {
		if isConstraint(err) {
			return ledger.ErrDuplicateID
		}
		return fmt.Errorf("failed to insert category: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BaseCurrency(ctx context.Context) (ledger.Currency, error) {
	v, err := s.setting(ctx, settingBaseCurrency)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DefaultCurrency, nil
	}
	if err != nil {
		return 0, err
	}
	return ledger.ParseCurrency(v)
}

// SetBaseCurrency changes the ledger's display currency
func (s *SQLiteStore) SetBaseCurrency(ctx context.Context, c ledger.Currency) error {
	return s.setSetting(ctx, settingBaseCurrency, c.Code())
}

func (s *SQLiteStore) ExchangeRates(ctx context.Context) (ledger.RateTable, error) {
	var rt ledger.RateTable
	rows, err := s.db.QueryContext(ctx, `select from_currency, to_currency, rate from exchange_rates`)
	if err != nil {
		return rt, fmt.Errorf("failed to select rates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			from, to string
			rate     float64
		)
		if err := rows.Scan(&from, &to, &rate); err != nil {
			return rt, err
		}
		f, err := ledger.ParseCurrency(from)
		if err != nil {
			continue
		}
		tc, err := ledger.ParseCurrency(to)
		if err != nil {
			continue
		}
		rt.Set(f, tc, rate)
	}
	return rt, rows.Err()
}

func (s *SQLiteStore) SetExchangeRate(ctx context.Context, from, to ledger.Currency, rate float64) error {
	return upsertRate(ctx, s.db, from, to, rate)
}

func upsertRate(ctx context.Context, db execer, from, to ledger.Currency, rate float64) error {
	query := `insert into exchange_rates (from_currency, to_currency, rate) values (?, ?, ?)
		on conflict(from_currency, to_currency) do update set rate = excluded.rate`
	if _, err := db.ExecContext(ctx, query, from.Code(), to.Code(), rate); err != nil {
		return fmt.Errorf("failed to upsert rate: %w", err)
	}
	return nil
}

// ApplyBatch writes b in one transaction. On error nothing is written.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, b ledger.Batch) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, c := range b.Categories {
		if err = insertCategory(ctx, tx, c); err != nil {
			return fmt.Errorf("add category %s: %w", c.Name, err)
		}
	}
	for _, t := range b.Transactions {
		if err = insertTransaction(ctx, tx, t); err != nil {
			return fmt.Errorf("add transaction %s: %w", t.ID, err)
		}
	}
	for _, r := range b.Rates {
		if err = upsertRate(ctx, tx, r.From, r.To, r.Rate); err != nil {
			return fmt.Errorf("set rate %s: %w", r.Key(), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// MarkSynced records the time of the last successful sync
func (s *SQLiteStore) MarkSynced(ctx context.Context, at time.Time) error {
	return s.setSetting(ctx, "last_sync_time", at.UTC().Format(time.RFC3339Nano))
}

// LastSync returns the time recorded by MarkSynced, or nil
func (s *SQLiteStore) LastSync(ctx context.Context) (*time.Time, error) {
	v, err := s.setting(ctx, "last_sync_time")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("parse last sync time: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `select value from settings where key=?`, key).Scan(&v)
	return v, err
}

func (s *SQLiteStore) setSetting(ctx context.Context, key, value string) error {
	query := `insert into settings (key, value) values (?, ?)
		on conflict(key) do update set value = excluded.value`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
