// Package logging configures slog for the cnote binary and keeps the recent
// records in memory so they can be shown after a failed sync.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Options selects the handler built by Setup
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Output io.Writer
	// BufferSize is the number of records kept in memory; 0 uses BufferSize
	BufferSize int
}

// ParseLevel converts a config level name to an slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Setup builds a logger writing to opts.Output and capturing every record
// into the returned buffer. The logger is not installed as the default.
func Setup(opts Options) (*slog.Logger, *Buffer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	hopts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		base = slog.NewJSONHandler(out, hopts)
	case "text", "":
		base = slog.NewTextHandler(out, hopts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	buffer := NewBuffer(opts.BufferSize)
	return slog.New(newCaptureHandler(buffer, base)), buffer, nil
}
