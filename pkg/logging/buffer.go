package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BufferedEntry is one record captured by a BufferHandler.
type BufferedEntry struct {
	Level     string
	Time      time.Time
	Message   string
	Component string
	RequestID string
	Attrs     map[string]any
}

// LogBuffer keeps the most recent records in memory. The CLI uses it to
// replay a one-shot delta build's log; tests use it to assert on logging.
type LogBuffer struct {
	mu      sync.Mutex
	entries []BufferedEntry
	max     int
}

// NewLogBuffer creates a buffer holding at most max entries.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 1000
	}
	return &LogBuffer{max: max}
}

func (b *LogBuffer) add(e BufferedEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if over := len(b.entries) - b.max; over > 0 {
		b.entries = append(b.entries[:0:0], b.entries[over:]...)
	}
}

// GetRecent returns up to n of the newest entries, oldest first.
// n <= 0 returns everything.
func (b *LogBuffer) GetRecent(n int) []BufferedEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]BufferedEntry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// Count returns the number of buffered entries.
func (b *LogBuffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// BufferHandler records into a LogBuffer and optionally forwards to inner.
type BufferHandler struct {
	buffer *LogBuffer
	inner  slog.Handler
	attrs  []slog.Attr
	group  string
}

// NewBufferHandler creates a handler writing to buffer. inner may be nil.
func NewBufferHandler(buffer *LogBuffer, inner slog.Handler) *BufferHandler {
	return &BufferHandler{buffer: buffer, inner: inner}
}

func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.inner != nil {
		return h.inner.Enabled(ctx, level)
	}
	return true
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	e := BufferedEntry{
		Level:   r.Level.String(),
		Time:    r.Time,
		Message: r.Message,
		Attrs:   map[string]any{},
	}
	put := func(a slog.Attr, prefix string) {
		switch a.Key {
		case "component":
			e.Component = a.Value.String()
		case "request_id":
			e.RequestID = a.Value.String()
		default:
			e.Attrs[prefix+a.Key] = a.Value.Resolve().Any()
		}
	}
	for _, a := range h.attrs {
		put(a, "")
	}
	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		put(a, prefix)
		return true
	})
	h.buffer.add(e)

	if h.inner != nil {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	if h.inner != nil {
		nh.inner = h.inner.WithAttrs(attrs)
	}
	return &nh
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.group = name
	if h.group != "" {
		nh.group = h.group + "." + name
	}
	if h.inner != nil {
		nh.inner = h.inner.WithGroup(name)
	}
	return &nh
}
