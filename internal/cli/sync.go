package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"cnote.dev/go/cnote/internal/audit"
	"cnote.dev/go/cnote/internal/connection"
	"cnote.dev/go/cnote/internal/coordinator"
	"cnote.dev/go/cnote/internal/i18n"
	"cnote.dev/go/cnote/internal/ledger"
	"cnote.dev/go/cnote/internal/logging"
	"cnote.dev/go/cnote/internal/pairing"
	"cnote.dev/go/cnote/internal/statusfeed"
	"cnote.dev/go/cnote/internal/tui"
)

var (
	syncPNG        string
	syncStatusAddr string
	syncTimeout    time.Duration
	syncPlain      bool
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncShareCmd)
	syncCmd.AddCommand(syncJoinCmd)

	for _, c := range []*cobra.Command{syncShareCmd, syncJoinCmd} {
		c.Flags().StringVar(&syncStatusAddr, "status-addr", "", "serve the status feed on this address (overrides config)")
		c.Flags().DurationVar(&syncTimeout, "timeout", 5*time.Minute, "give up after this long (0 waits forever)")
		c.Flags().BoolVar(&syncPlain, "plain", false, "print progress lines instead of the interactive view")
	}
	syncShareCmd.Flags().StringVar(&syncPNG, "png", "", "also write the pairing QR code to this PNG file")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the ledger with another device",
	Long: `Synchronize the ledger with another device on the same network.

One device shares, the other joins with the pairing code the first one
shows. Both ledgers end up with the union of their transactions and
categories.`,
}

var syncShareCmd = &cobra.Command{
	Use:   "share",
	Short: "Wait for another device to join",
	Long: `Advertise this device on the local network and show a pairing code.

Run 'cnote sync join <code>' on the other device, or scan the QR code.

Examples:
  cnote sync share
  cnote sync share --png pair.png
  cnote sync share --status-addr 127.0.0.1:7845`,
	Args: cobra.NoArgs,
	RunE: runSyncShare,
}

var syncJoinCmd = &cobra.Command{
	Use:   "join [code]",
	Short: "Join a device that is sharing",
	Long: `Look for the sharing device named by a pairing code and sync with it.

Without an argument the code is read from stdin.

Examples:
  cnote sync join cnote:eyJkZXZpY2VfaWQiOi...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSyncJoin,
}

func runSyncShare(cmd *cobra.Command, args []string) error {
	return runSync(cmd, coordinator.RoleInitiator, nil)
}

func runSyncJoin(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) == 1 {
		code = args[0]
	} else {
		var err error
		code, err = tui.ReadLine("Pairing code: ")
		if err != nil {
			return fmt.Errorf("read pairing code: %w", err)
		}
	}

	hint, err := pairing.Parse(code)
	if err != nil {
		return err
	}
	return runSync(cmd, coordinator.RoleResponder, hint)
}

func runSync(cmd *cobra.Command, role coordinator.Role, hint *ledger.PairingHint) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interactive := !syncPlain && tui.IsStdoutTerminal()
	var logOut io.Writer
	if interactive {
		logOut = io.Discard
	}

	a, err := openApp(ctx, logOut)
	if err != nil {
		return err
	}
	defer a.Close()

	stack, err := a.newSyncStack(ctx)
	if err != nil {
		return err
	}
	defer stack.Close()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if syncTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, syncTimeout)
	}
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- stack.coord.Run(runCtx) }()

	// sessions and mDNS registrations do not survive a suspend
	wake := connection.NewWakeWatcher(func(time.Duration) {
		if stack.coord.Status().Stage == coordinator.StageCompleted {
			return
		}
		a.audit.Log(audit.Event{Action: audit.ActionSyncWake, Message: "Restarting sync after system wake", Role: role.String()})
		if err := stack.coord.Retry(); err != nil {
			a.log.Warn("Restart after wake failed", "error", err)
		}
	}, a.log)
	go wake.Run(runCtx)

	addr := syncStatusAddr
	if addr == "" && a.cfg.Status.Enabled {
		addr = a.cfg.Status.Addr
	}
	if addr != "" {
		feed := statusfeed.NewServer(addr, stack.coord, a.logs, a.log)
		if err := feed.Start(runCtx); err != nil {
			return err
		}
		defer feed.Stop()
		fmt.Fprintf(os.Stderr, "Status feed: ws://%s/ws\n", feed.Addr())
	}

	var title, pairingText string
	switch role {
	case coordinator.RoleInitiator:
		pairingText, err = shareCode(ctx, a)
		if err != nil {
			return err
		}
		title = fmt.Sprintf("Sharing %s", a.device.DeviceName)
		err = stack.coord.StartAsInitiator()
	default:
		title = fmt.Sprintf("Joining %s", hint.DeviceName)
		err = stack.coord.StartAsResponder(hint)
	}
	if err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	started := audit.Event{Action: audit.ActionSyncStarted, Message: "Sync started", Role: role.String()}
	if hint != nil {
		started.Peer, started.PeerID = hint.DeviceName, hint.DeviceID.String()
	}
	a.audit.Log(started)

	var final coordinator.Status
	if interactive {
		final, err = followTUI(runCtx, stack.coord, title, pairingText)
	} else {
		if pairingText != "" {
			fmt.Println(pairingText)
		}
		final = followPlain(runCtx, stack.coord, os.Stdout)
	}

	cancel()
	if rerr := <-runErr; rerr != nil && !errors.Is(rerr, context.Canceled) && !errors.Is(rerr, context.DeadlineExceeded) {
		a.log.Warn("Coordinator exited", "error", rerr)
	}
	if err != nil {
		return err
	}

	a.audit.Log(outcomeEvent(ctx, runCtx, role, final))
	return report(ctx, runCtx, final, a.logs)
}

// outcomeEvent is the journal entry for the end of a run. The cases
// mirror report.
func outcomeEvent(ctx, runCtx context.Context, role coordinator.Role, st coordinator.Status) audit.Event {
	ev := audit.Event{Role: role.String()}
	if st.PeerDevice != nil {
		ev.Peer, ev.PeerID = st.PeerDevice.DeviceName, st.PeerDevice.DeviceID.String()
	}

	switch {
	case st.Stage == coordinator.StageCompleted:
		ev.Action, ev.Message, ev.Success = audit.ActionSyncCompleted, "Sync completed", true
		ev.Details = map[string]any{
			"transactions_added":      st.Result.TransactionsAdded,
			"transactions_duplicated": st.Result.TransactionsDuplicated,
			"categories_added":        st.Result.CategoriesAdded,
			"exchange_rates_synced":   st.Result.ExchangeRatesSynced,
			"currency_synced":         st.Result.CurrencySettingsSynced,
		}
	case ctx.Err() != nil:
		ev.Action, ev.Message = audit.ActionSyncCancelled, "Sync cancelled"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		ev.Action, ev.Message, ev.Level = audit.ActionSyncTimedOut, "No sync completed before the timeout", audit.LevelWarn
	case st.Stage == coordinator.StageFailed:
		ev.Action, ev.Message, ev.Level, ev.Error = audit.ActionSyncFailed, "Sync failed", audit.LevelWarn, st.Error
	case st.Connection.State == connection.Failed:
		ev.Action, ev.Message, ev.Level, ev.Error = audit.ActionSyncFailed, "Connection failed", audit.LevelWarn, st.Connection.Cause()
	default:
		ev.Action, ev.Message = audit.ActionSyncCancelled, "Sync stopped before completing"
	}
	return ev
}

// shareCode returns the pairing code and its QR rendering
func shareCode(ctx context.Context, a *app) (string, error) {
	info, err := a.deviceInfo(ctx)
	if err != nil {
		return "", err
	}
	code, err := pairing.Encode(info.Hint())
	if err != nil {
		return "", err
	}
	qr, err := pairing.QR(code)
	if err != nil {
		return "", fmt.Errorf("generating QR code: %w", err)
	}
	if syncPNG != "" {
		if err := pairing.WritePNG(code, syncPNG, 256); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s\nPairing code: %s", qr, code), nil
}

func followTUI(ctx context.Context, coord *coordinator.Coordinator, title, pairingText string) (coordinator.Status, error) {
	updates, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	p := tea.NewProgram(tui.NewSyncModel(title, pairingText, updates, coord), tea.WithContext(ctx))
	m, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return coordinator.Status{}, fmt.Errorf("run progress view: %w", err)
	}
	if model, ok := m.(tui.SyncModel); ok {
		return model.Status(), nil
	}
	return coord.Status(), nil
}

// followPlain prints progress until the sync completes, fails or ctx ends
func followPlain(ctx context.Context, coord *coordinator.Coordinator, w io.Writer) coordinator.Status {
	updates, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	printer := tui.NewPrinter(w)
	last := coord.Status()
	for {
		select {
		case <-ctx.Done():
			return last
		case st, ok := <-updates:
			if !ok {
				return last
			}
			last = st
			printer.Print(st)
			if finished(st) {
				return st
			}
		}
	}
}

func finished(st coordinator.Status) bool {
	return st.Stage == coordinator.StageCompleted ||
		st.Stage == coordinator.StageFailed ||
		st.Connection.State == connection.Failed
}

// report prints the outcome. ctx is the command context, runCtx the one
// bounded by --timeout.
func report(ctx, runCtx context.Context, st coordinator.Status, logs *logging.Buffer) error {
	switch {
	case st.Stage == coordinator.StageCompleted:
		name := i18n.T("sync.peer")
		if st.PeerDevice != nil {
			name = st.PeerDevice.DeviceName
		}
		fmt.Println(i18n.T("sync.synced", name, tui.Summary(st.Result)))
		return nil
	case ctx.Err() != nil:
		fmt.Println(i18n.T("sync.cancelled"))
		return nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		printWarnings(logs)
		return fmt.Errorf("no sync completed within %s", syncTimeout)
	case st.Stage == coordinator.StageFailed:
		printWarnings(logs)
		return fmt.Errorf("sync failed: %s", st.Error)
	case st.Connection.State == connection.Failed:
		printWarnings(logs)
		return fmt.Errorf("connection failed: %s", st.Connection.Cause())
	}
	fmt.Println(i18n.T("sync.stopped"))
	return nil
}

// printWarnings shows the last few warnings logged during the run
func printWarnings(logs *logging.Buffer) {
	entries := logs.Query(logging.QueryOpts{Level: "warn", Limit: 5})
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, "Recent warnings:")
	for _, e := range entries {
		line := fmt.Sprintf("  %s %s", e.Timestamp.Format("15:04:05"), e.Message)
		if errMsg, ok := e.Fields["error"]; ok {
			line += fmt.Sprintf(": %v", errMsg)
		}
		fmt.Fprintln(os.Stderr, line)
	}
}
