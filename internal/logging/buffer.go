package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BufferSize is the default number of records kept
const BufferSize = 2000

// Entry is one captured record
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// level reports the entry's slog level. Unknown names rank as info.
func (e Entry) level() slog.Level {
	l, err := ParseLevel(e.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// Buffer is a fixed-size ring of the most recent records
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewBuffer creates a buffer holding up to size records
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = BufferSize
	}
	return &Buffer{entries: make([]Entry, size)}
}

// Add stores e, evicting the oldest record when full
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.head] = e
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// QueryOpts filters Query. Level is a config level name; records below it
// are skipped. Limit keeps the newest matches.
type QueryOpts struct {
	Since *time.Time
	Level string
	Limit int
}

// Query returns the matching records, oldest first
func (b *Buffer) Query(opts QueryOpts) []Entry {
	floor := slog.LevelDebug
	if opts.Level != "" {
		if l, err := ParseLevel(opts.Level); err == nil {
			floor = l
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if b.count == len(b.entries) {
		start = b.head
	}
	results := make([]Entry, 0)
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%len(b.entries)]
		if opts.Since != nil && e.Timestamp.Before(*opts.Since) {
			continue
		}
		if e.level() < floor {
			continue
		}
		results = append(results, e)
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[len(results)-opts.Limit:]
	}
	return results
}

// Count returns the number of records held
func (b *Buffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// captureHandler copies every record it handles into a Buffer before
// passing it on. Attributes are flattened to dotted keys.
type captureHandler struct {
	buffer *Buffer
	next   slog.Handler
	fields map[string]any
	prefix string
}

func newCaptureHandler(buffer *Buffer, next slog.Handler) *captureHandler {
	return &captureHandler{buffer: buffer, next: next}
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.fields)+r.NumAttrs())
	for k, v := range h.fields {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[h.prefix+a.Key] = fieldValue(a.Value)
		return true
	})

	h.buffer.Add(Entry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Fields:    fields,
	})
	return h.next.Handle(ctx, r)
}

// fieldValue stores errors as their message so entries stay JSON friendly
func fieldValue(v slog.Value) any {
	if err, ok := v.Any().(error); ok {
		return err.Error()
	}
	return v.Any()
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make(map[string]any, len(h.fields)+len(attrs))
	for k, v := range h.fields {
		fields[k] = v
	}
	for _, a := range attrs {
		fields[h.prefix+a.Key] = fieldValue(a.Value)
	}
	return &captureHandler{buffer: h.buffer, next: h.next.WithAttrs(attrs), fields: fields, prefix: h.prefix}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{buffer: h.buffer, next: h.next.WithGroup(name), fields: h.fields, prefix: h.prefix + name + "."}
}
