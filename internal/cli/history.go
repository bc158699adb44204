package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"cnote.dev/go/cnote/internal/audit"
	"cnote.dev/go/cnote/internal/config"
)

var (
	historyLimit    int
	historyJSON     bool
	historyCategory string
	historyLevel    string
	historySearch   string
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "show at most this many entries (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output as JSON")
	historyCmd.Flags().StringVar(&historyCategory, "category", "", "only show one category ("+strings.Join(audit.AllCategories(), ", ")+")")
	historyCmd.Flags().StringVar(&historyLevel, "level", "", "minimum level (debug, info, warn, error)")
	historyCmd.Flags().StringVar(&historySearch, "search", "", "only show entries mentioning this text")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past syncs and settings changes",
	Long: `Show the journal of sync runs, device renames and ledger setting
changes, newest first.

Examples:
  cnote history
  cnote history --category sync --level warn
  cnote history --search phone --json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyCategory != "" && !isCategory(historyCategory) {
		return fmt.Errorf("unknown category %q (have: %s)", historyCategory, strings.Join(audit.AllCategories(), ", "))
	}

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	events, err := audit.ReadFile(paths.AuditLogFile, audit.QueryOpts{
		Category: historyCategory,
		Level:    historyLevel,
		Search:   historySearch,
		Limit:    historyLimit,
	})
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	if historyJSON {
		if events == nil {
			events = []audit.Event{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Println("No history yet.")
		return nil
	}
	for _, e := range events {
		fmt.Println(formatEvent(e))
	}
	return nil
}

func isCategory(c string) bool {
	for _, known := range audit.AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// formatEvent renders one journal line for the terminal
func formatEvent(e audit.Event) string {
	line := fmt.Sprintf("%s  %-5s  %s", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Level, e.Message)
	if e.Peer != "" {
		line += " (" + e.Peer + ")"
	}
	if e.Error != "" {
		line += ": " + e.Error
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		line += "  " + strings.Join(parts, " ")
	}
	return line
}
