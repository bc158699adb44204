package tui

import (
	"fmt"
	"io"
	"strings"

	"cnote.dev/go/cnote/internal/connection"
	"cnote.dev/go/cnote/internal/coordinator"
	"cnote.dev/go/cnote/internal/i18n"
	"cnote.dev/go/cnote/internal/ledger"
)

// StageLabel returns the human readable name of a stage
func StageLabel(s coordinator.Stage) string {
	return i18n.T("stage." + s.String())
}

// Summary describes a sync result in one line
func Summary(r ledger.SyncResult) string {
	if !r.IsSuccess {
		if r.ErrorMessage == "" {
			return i18n.T("summary.failed")
		}
		return i18n.T("summary.failed_with", r.ErrorMessage)
	}

	parts := []string{i18n.N("summary.added", r.TransactionsAdded)}
	if r.TransactionsDuplicated > 0 {
		parts = append(parts, i18n.N("summary.duplicate", r.TransactionsDuplicated))
	}
	if r.CategoriesAdded > 0 {
		parts = append(parts, i18n.N("summary.category", r.CategoriesAdded))
	}
	if r.ExchangeRatesSynced > 0 {
		parts = append(parts, i18n.N("summary.rate", r.ExchangeRatesSynced))
	}
	if r.CurrencySettingsSynced {
		parts = append(parts, i18n.T("summary.currency"))
	}
	return strings.Join(parts, i18n.T("summary.separator"))
}

// Printer writes one line per connection or stage change, for output that
// is not a terminal
type Printer struct {
	w     io.Writer
	state connection.State
	stage coordinator.Stage
	seen  bool
}

// NewPrinter creates a printer writing to w
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Print reports st if it differs from the previous status
func (p *Printer) Print(st coordinator.Status) {
	if p.seen && st.Connection.State == p.state && st.Stage == p.stage {
		return
	}
	if !p.seen || st.Connection.State != p.state {
		line := "connection: " + st.Connection.State.String()
		if cause := st.Connection.Cause(); cause != "" {
			line += " (" + cause + ")"
		}
		fmt.Fprintln(p.w, line)
	}
	if (p.seen && st.Stage != p.stage) || (!p.seen && st.Stage != coordinator.StageIdle) {
		line := fmt.Sprintf("sync: %s %3.0f%%", StageLabel(st.Stage), st.Progress*100)
		switch st.Stage {
		case coordinator.StageCompleted:
			line += " - " + Summary(st.Result)
		case coordinator.StageFailed:
			line += " - " + st.Error
		}
		fmt.Fprintln(p.w, line)
	}
	p.seen = true
	p.state = st.Connection.State
	p.stage = st.Stage
}
