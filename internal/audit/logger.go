package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger appends events to a JSON-lines journal file
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
	log  *slog.Logger
}

// Open opens or creates the journal at path. Events are mirrored to
// logger at their level.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Logger{file: f, path: path, log: logger}, nil
}

// Path returns the journal file path
func (l *Logger) Path() string {
	return l.path
}

// Log records an event. A journal that cannot be written is reported to
// the slog logger and otherwise ignored.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if event.Category == "" && event.Action != "" {
		if idx := strings.Index(event.Action, "."); idx > 0 {
			event.Category = event.Action[:idx]
		}
	}

	l.mu.Lock()
	if l.file != nil {
		data, err := json.Marshal(event)
		if err == nil {
			data = append(data, '\n')
			_, err = l.file.Write(data)
		}
		if err != nil {
			l.log.Warn("Failed to write journal", "path", l.path, "error", err)
		}
	}
	l.mu.Unlock()

	attrs := []any{"action", event.Action}
	if event.Role != "" {
		attrs = append(attrs, "role", event.Role)
	}
	if event.Peer != "" {
		attrs = append(attrs, "peer", event.Peer)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}

	switch event.Level {
	case LevelDebug:
		l.log.Debug(event.Message, attrs...)
	case LevelWarn:
		l.log.Warn(event.Message, attrs...)
	case LevelError:
		l.log.Error(event.Message, attrs...)
	default:
		l.log.Info(event.Message, attrs...)
	}
}

// QueryOpts defines query parameters for filtering events
type QueryOpts struct {
	Since    *time.Time
	Until    *time.Time
	Level    string
	Category string
	Action   string
	Search   string
	Limit    int
}

func (o QueryOpts) matches(e Event) bool {
	if o.Since != nil && e.Timestamp.Before(*o.Since) {
		return false
	}
	if o.Until != nil && e.Timestamp.After(*o.Until) {
		return false
	}
	if o.Level != "" && !matchesLevel(e.Level, o.Level) {
		return false
	}
	if o.Category != "" && e.Category != o.Category {
		return false
	}
	if o.Action != "" && e.Action != o.Action {
		return false
	}
	if o.Search != "" && !containsSearch(e, o.Search) {
		return false
	}
	return true
}

func matchesLevel(eventLevel, filterLevel string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	el, eok := levels[eventLevel]
	fl, fok := levels[strings.ToUpper(filterLevel)]
	if !eok || !fok {
		return true
	}
	return el >= fl
}

func containsSearch(e Event, search string) bool {
	search = strings.ToLower(search)
	for _, s := range []string{e.Message, e.Action, e.Peer, e.PeerID, e.Error} {
		if strings.Contains(strings.ToLower(s), search) {
			return true
		}
	}
	return false
}

// Query reads the journal and returns matching events, newest first
func (l *Logger) Query(opts QueryOpts) ([]Event, error) {
	return ReadFile(l.path, opts)
}

// ReadFile queries a journal file without opening it for writing. A
// missing file has no events. Lines that do not parse are skipped.
func ReadFile(path string, opts QueryOpts) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var results []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if opts.matches(event) {
			results = append(results, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(results)
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Close closes the journal
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
