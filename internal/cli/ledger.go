package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cnote.dev/go/cnote/internal/audit"
	"cnote.dev/go/cnote/internal/i18n"
	"cnote.dev/go/cnote/internal/ledger"
	"cnote.dev/go/cnote/internal/reconcile"
)

var (
	ledgerLimit    int
	ledgerJSON     bool
	ledgerIncome   bool
	ledgerNote     string
	ledgerCurrency string
	ledgerDate     string
)

func init() {
	rootCmd.AddCommand(ledgerCmd)

	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerAddCmd)
	ledgerCmd.AddCommand(ledgerCategoriesCmd)
	ledgerCmd.AddCommand(ledgerRatesCmd)
	ledgerCmd.AddCommand(ledgerCurrencyCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
	ledgerCmd.AddCommand(ledgerImportCmd)
	ledgerRatesCmd.AddCommand(ledgerRatesSetCmd)

	ledgerListCmd.Flags().IntVarP(&ledgerLimit, "limit", "n", 20, "show at most this many transactions (0 for all)")
	ledgerListCmd.Flags().BoolVar(&ledgerJSON, "json", false, "output as JSON")

	ledgerAddCmd.Flags().BoolVar(&ledgerIncome, "income", false, "record income instead of an expense")
	ledgerAddCmd.Flags().StringVar(&ledgerNote, "note", "", "note for the transaction")
	ledgerAddCmd.Flags().StringVar(&ledgerCurrency, "currency", "", "currency code (default: the ledger's base currency)")
	ledgerAddCmd.Flags().StringVar(&ledgerDate, "date", "", "date as YYYY-MM-DD (default: now)")

	ledgerCategoriesCmd.Flags().BoolVar(&ledgerIncome, "income", false, "list income categories")

	ledgerImportCmd.Flags().BoolVar(&ledgerJSON, "json", false, "output the import summary as JSON")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Ledger commands",
	Long:  `View and edit the local ledger.`,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions, newest first",
	RunE:  runLedgerList,
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	txs, err := a.store.ListTransactions(ctx)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Date.After(txs[j].Date) })
	if ledgerLimit > 0 && len(txs) > ledgerLimit {
		txs = txs[:ledgerLimit]
	}

	if ledgerJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(txs)
	}

	if len(txs) == 0 {
		fmt.Println("No transactions yet.")
		fmt.Println()
		fmt.Println("Add one with: cnote ledger add <amount> <category>")
		return nil
	}

	for _, t := range txs {
		line := fmt.Sprintf("  %s  %12s  %-16s", t.Date.Local().Format("2006-01-02 15:04"), t.FormattedAmount(), categoryName(t.Category))
		if t.Note != "" {
			line += "  " + t.Note
		}
		fmt.Println(strings.TrimRight(line, " "))
	}
	return nil
}

var ledgerAddCmd = &cobra.Command{
	Use:   "add <amount> <category>",
	Short: "Record a transaction",
	Long: `Record an expense, or income with --income.

Examples:
  cnote ledger add 12.50 Food --note lunch
  cnote ledger add 1500 Salary --income --currency USD
  cnote ledger add 80 Transport --date 2024-03-01`,
	Args: cobra.ExactArgs(2),
	RunE: runLedgerAdd,
}

func runLedgerAdd(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[0], err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}

	date := time.Now()
	if ledgerDate != "" {
		date, err = time.ParseInLocation("2006-01-02", ledgerDate, time.Local)
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", ledgerDate, err)
		}
	}

	kind := ledger.TypeExpense
	if ledgerIncome {
		kind = ledger.TypeIncome
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	cur, err := a.store.BaseCurrency(ctx)
	if err != nil {
		return fmt.Errorf("read base currency: %w", err)
	}
	if ledgerCurrency != "" {
		if cur, err = ledger.ParseCurrency(ledgerCurrency); err != nil {
			return err
		}
	}

	cats, err := a.store.ListCategories(ctx, kind)
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}
	cat, ok := findCategory(cats, args[1])
	if !ok {
		return fmt.Errorf("no %s category named %q (have: %s)", kind, args[1], categoryNames(cats))
	}

	t := ledger.NewTransaction(amount, cur, cat, ledgerNote, date)
	if err := a.store.AddTransaction(ctx, t); err != nil {
		return fmt.Errorf("add transaction: %w", err)
	}
	fmt.Printf("Added %s %s\n", t.FormattedAmount(), categoryName(cat))
	return nil
}

// findCategory matches by name or English name, ignoring case
func findCategory(cats []ledger.Category, name string) (ledger.Category, bool) {
	for _, c := range cats {
		if strings.EqualFold(c.Name, name) || (c.EnglishName != "" && strings.EqualFold(c.EnglishName, name)) {
			return c, true
		}
	}
	return ledger.Category{}, false
}

func categoryName(c ledger.Category) string {
	return i18n.Name(c.Name, c.EnglishName)
}

func categoryNames(cats []ledger.Category) string {
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, categoryName(c))
	}
	return strings.Join(names, ", ")
}

var ledgerCategoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List expense (or --income) categories",
	RunE:  runLedgerCategories,
}

func runLedgerCategories(cmd *cobra.Command, args []string) error {
	kind := ledger.TypeExpense
	if ledgerIncome {
		kind = ledger.TypeIncome
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	cats, err := a.store.ListCategories(ctx, kind)
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}
	for _, c := range cats {
		fmt.Printf("  %s %-16s %s\n", c.Icon, categoryName(c), c.Color)
	}
	return nil
}

var ledgerRatesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Show exchange rates",
	RunE:  runLedgerRates,
}

func runLedgerRates(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	base, err := a.store.BaseCurrency(ctx)
	if err != nil {
		return fmt.Errorf("read base currency: %w", err)
	}
	rates, err := a.store.ExchangeRates(ctx)
	if err != nil {
		return fmt.Errorf("read exchange rates: %w", err)
	}

	fmt.Printf("Base currency: %s (%s)\n", base.Code(), base.Symbol())
	pairs := rates.Pairs()
	if len(pairs) == 0 {
		fmt.Println("No exchange rates set.")
		return nil
	}
	fmt.Println()
	for _, p := range pairs {
		fmt.Printf("  1 %s = %s %s\n", p.From.Code(), strconv.FormatFloat(p.Rate, 'f', -1, 64), p.To.Code())
	}
	return nil
}

var ledgerRatesSetCmd = &cobra.Command{
	Use:   "set <from> <to> <rate>",
	Short: "Set an exchange rate",
	Long: `Set the rate converting one unit of <from> into <to>.

Example:
  cnote ledger rates set USD PHP 56.1`,
	Args: cobra.ExactArgs(3),
	RunE: runLedgerRatesSet,
}

func runLedgerRatesSet(cmd *cobra.Command, args []string) error {
	from, err := ledger.ParseCurrency(args[0])
	if err != nil {
		return err
	}
	to, err := ledger.ParseCurrency(args[1])
	if err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("rate from %s to itself is always 1", from.Code())
	}
	rate, err := strconv.ParseFloat(args[2], 64)
	if err != nil || rate <= 0 {
		return fmt.Errorf("invalid rate %q", args[2])
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.SetExchangeRate(ctx, from, to, rate); err != nil {
		return err
	}
	a.audit.Log(audit.Event{
		Action:  audit.ActionLedgerRateSet,
		Message: "Set exchange rate",
		Details: map[string]any{"from": from.Code(), "to": to.Code(), "rate": rate},
		Success: true,
	})
	fmt.Printf("Set 1 %s = %s %s\n", from.Code(), args[2], to.Code())
	return nil
}

var ledgerCurrencyCmd = &cobra.Command{
	Use:   "currency [code]",
	Short: "Show or change the base currency",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerCurrency,
}

func runLedgerCurrency(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		base, err := a.store.BaseCurrency(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", base.Code(), base.Symbol())
		return nil
	}

	cur, err := ledger.ParseCurrency(args[0])
	if err != nil {
		var codes []string
		for _, c := range ledger.Currencies() {
			codes = append(codes, c.Code())
		}
		return fmt.Errorf("%w (supported: %s)", err, strings.Join(codes, ", "))
	}
	if err := a.store.SetBaseCurrency(ctx, cur); err != nil {
		return err
	}
	a.audit.Log(audit.Event{
		Action:  audit.ActionLedgerCurrency,
		Message: "Changed base currency",
		Details: map[string]any{"currency": cur.Code()},
		Success: true,
	})
	fmt.Printf("Base currency set to %s\n", cur.Code())
	return nil
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export transactions as CSV",
	Long: `Write every transaction as CSV, newest first. Without a file the CSV
goes to stdout.

Columns: date, type, category, amount, note, currency, id`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLedgerExport,
}

func runLedgerExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	txs, err := a.store.ListTransactions(ctx)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		out = f
	}
	if err := reconcile.ExportCSV(out, txs, time.Local); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	if len(args) == 1 {
		a.audit.Log(audit.Event{
			Action:  audit.ActionLedgerExported,
			Message: "Exported ledger",
			Details: map[string]any{"file": args[0], "transactions": len(txs)},
			Success: true,
		})
		fmt.Printf("Exported %d transactions to %s\n", len(txs), args[0])
	}
	return nil
}

var ledgerImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import transactions from CSV",
	Long: `Import rows written by "cnote ledger export" or by the mobile app.

The first line is a header. Rows need date (YYYY-MM-DD HH:MM:SS), type,
category, amount and note; currency and id are optional. Categories must
already exist. Rows already in the ledger, by id or as the same entry within
two minutes, are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerImport,
}

func runLedgerImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := reconcile.ImportCSV(ctx, a.store, f, reconcile.ImportOptions{Location: time.Local})
	ev := audit.Event{
		Action:  audit.ActionLedgerImported,
		Message: "Imported ledger rows",
		Details: map[string]any{"file": args[0], "imported": res.Imported, "duplicates": res.Duplicates, "errors": res.Errors},
		Success: err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.audit.Log(ev)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	if ledgerJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Printf("Imported %d, skipped %d duplicates, %d invalid rows\n", res.Imported, res.Duplicates, res.Errors)
	for _, e := range res.RowErrors {
		fmt.Println("  " + e)
	}
	return nil
}
