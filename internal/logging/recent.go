package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one captured log line.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Recent keeps the last N log records in memory for the /logs endpoint.
type Recent struct {
	mu   sync.RWMutex
	buf  []Record
	next int
	size int
}

// NewRecent returns a buffer holding up to capacity records.
func NewRecent(capacity int) *Recent {
	return &Recent{buf: make([]Record, capacity)}
}

func (r *Recent) add(rec Record) {
	r.mu.Lock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.mu.Unlock()
}

// Snapshot returns up to limit records at or above minLevel, newest first.
// limit <= 0 means no limit.
func (r *Recent) Snapshot(limit int, minLevel slog.Level) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, r.size)
	for i := 1; i <= r.size; i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		rec := r.buf[(r.next-i+len(r.buf))%len(r.buf)]
		if rec.Level < minLevel {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Len returns the number of buffered records.
func (r *Recent) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// recentHandler forwards to inner and copies each record into a Recent.
// Grouped attribute keys are flattened with dots.
type recentHandler struct {
	inner  slog.Handler
	recent *Recent
	attrs  map[string]any
	prefix string
}

func newRecentHandler(inner slog.Handler, recent *Recent) *recentHandler {
	return &recentHandler{inner: inner, recent: recent}
}

func (h *recentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *recentHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := Record{Time: r.Time, Level: r.Level, Message: r.Message}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		rec.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for k, v := range h.attrs {
			rec.Attrs[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			flatten(rec.Attrs, h.prefix, a)
			return true
		})
	}
	h.recent.add(rec)
	return h.inner.Handle(ctx, r)
}

func (h *recentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		merged[k] = v
	}
	for _, a := range attrs {
		flatten(merged, h.prefix, a)
	}
	return &recentHandler{
		inner:  h.inner.WithAttrs(attrs),
		recent: h.recent,
		attrs:  merged,
		prefix: h.prefix,
	}
}

func (h *recentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &recentHandler{
		inner:  h.inner.WithGroup(name),
		recent: h.recent,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = v.Any()
}
