package connection

import (
	"context"
	"log/slog"
	"time"
)

const (
	wakeTick      = time.Second
	wakeThreshold = 5 * time.Second
)

// WakeWatcher reports when the host resumes from sleep
type WakeWatcher struct {
	onWake   func(gap time.Duration)
	log      *slog.Logger
	lastTick time.Time
}

// NewWakeWatcher creates a watcher that calls onWake after a suspend
func NewWakeWatcher(onWake func(gap time.Duration), logger *slog.Logger) *WakeWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WakeWatcher{onWake: onWake, log: logger}
}

// Run ticks until ctx is done
func (w *WakeWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(wakeTick)
	defer ticker.Stop()

	w.lastTick = time.Now().Round(0)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.observe(now)
		}
	}
}

// observe compares wall clock readings; the monotonic clock stops while
// suspended on some platforms.
func (w *WakeWatcher) observe(now time.Time) {
	now = now.Round(0)
	if !w.lastTick.IsZero() {
		if gap := now.Sub(w.lastTick); gap > wakeThreshold {
			w.log.Info("Detected system wake", "gap", gap.Round(time.Second))
			if w.onWake != nil {
				w.onWake(gap)
			}
		}
	}
	w.lastTick = now
}
