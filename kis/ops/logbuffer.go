package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLogCapacity is the ring size used by main.
const DefaultLogCapacity = 500

// LogEntry represents a single structured log record.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"msg"`
	Attrs   string    `json:"attrs,omitempty"`

	level slog.Level
}

// LogBuffer is a fixed-capacity ring of log entries with fan-out to
// streaming listeners.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	size    int

	listenerMu sync.RWMutex
	listeners  map[string]chan LogEntry
}

// NewLogBuffer allocates a ring buffer with the given capacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{
		entries:   make([]LogEntry, capacity),
		listeners: make(map[string]chan LogEntry),
	}
}

// Add writes an entry and offers it to every listener. Listeners that are
// full miss the entry.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % len(lb.entries)
	if lb.size < len(lb.entries) {
		lb.size++
	}
	lb.mu.Unlock()

	lb.listenerMu.RLock()
	for _, ch := range lb.listeners {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.listenerMu.RUnlock()
}

// Recent returns up to n of the newest entries at or above min, oldest first.
func (lb *LogBuffer) Recent(n int, min slog.Level) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var out []LogEntry
	for i := 0; i < lb.size && len(out) < n; i++ {
		e := lb.entries[(lb.head-1-i+len(lb.entries))%len(lb.entries)]
		if e.level >= min {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of entries held.
func (lb *LogBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.size
}

// Subscribe registers a listener and returns its id and channel.
func (lb *LogBuffer) Subscribe() (string, <-chan LogEntry) {
	id := uuid.NewString()
	ch := make(chan LogEntry, 100)
	lb.listenerMu.Lock()
	lb.listeners[id] = ch
	lb.listenerMu.Unlock()
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (lb *LogBuffer) Unsubscribe(id string) {
	lb.listenerMu.Lock()
	ch, ok := lb.listeners[id]
	delete(lb.listeners, id)
	lb.listenerMu.Unlock()
	if ok {
		close(ch)
	}
}

// TeeHandler wraps an slog.Handler and copies every record to a LogBuffer,
// including attributes bound with WithAttrs.
type TeeHandler struct {
	inner  slog.Handler
	buf    *LogBuffer
	prefix string // dotted group path
	bound  string // preformatted WithAttrs attributes
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler creates a handler that tees records to both inner and buf.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.prefix, a)
		return true
	})

	h.buf.Add(LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   strings.TrimSpace(sb.String()),
		level:   r.Level,
	})
	return h.inner.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(h.bound)
	for _, a := range attrs {
		writeAttr(&sb, h.prefix, a)
	}
	return &TeeHandler{inner: h.inner.WithAttrs(attrs), buf: h.buf, prefix: h.prefix, bound: sb.String()}
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TeeHandler{inner: h.inner.WithGroup(name), buf: h.buf, prefix: h.prefix + name + ".", bound: h.bound}
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(sb, p, ga)
		}
		return
	}
	fmt.Fprintf(sb, "%s%s=%v ", prefix, a.Key, a.Value.Any())
}
