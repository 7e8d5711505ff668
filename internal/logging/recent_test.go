package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/cortexuvula/etagchat/internal/config"
)

func TestRecentWrapsAround(t *testing.T) {
	r := NewRecent(3)
	for i := 0; i < 5; i++ {
		r.add(Record{Level: slog.LevelInfo, Message: fmt.Sprintf("m%d", i)})
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}

	got := r.Snapshot(0, slog.LevelDebug)
	var msgs []string
	for _, rec := range got {
		msgs = append(msgs, rec.Message)
	}
	if strings.Join(msgs, ",") != "m4,m3,m2" {
		t.Errorf("Snapshot = %v, want newest first [m4 m3 m2]", msgs)
	}
}

func TestRecentSnapshotFilters(t *testing.T) {
	r := NewRecent(10)
	r.add(Record{Level: slog.LevelDebug, Message: "d"})
	r.add(Record{Level: slog.LevelWarn, Message: "w1"})
	r.add(Record{Level: slog.LevelInfo, Message: "i"})
	r.add(Record{Level: slog.LevelError, Message: "e"})
	r.add(Record{Level: slog.LevelWarn, Message: "w2"})

	tests := []struct {
		name  string
		limit int
		level slog.Level
		want  string
	}{
		{"all", 0, slog.LevelDebug, "w2,e,i,w1,d"},
		{"warn and up", 0, slog.LevelWarn, "w2,e,w1"},
		{"limited", 2, slog.LevelDebug, "w2,e"},
		{"limited warn", 1, slog.LevelWarn, "w2"},
		{"nothing", 0, slog.Level(100), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msgs []string
			for _, rec := range r.Snapshot(tt.limit, tt.level) {
				msgs = append(msgs, rec.Message)
			}
			if got := strings.Join(msgs, ","); got != tt.want {
				t.Errorf("Snapshot(%d, %v) = %q, want %q", tt.limit, tt.level, got, tt.want)
			}
		})
	}
}

func TestRecentHandlerCapturesAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := setup(config.LoggingConfig{Level: "info", Format: "json", RecentEntries: 8}, &buf)
	if l.Recent() == nil {
		t.Fatal("Recent() = nil with recent_entries set")
	}

	slog.With("listener_id", "abc").WithGroup("req").Info("handled", "status", 201, slog.Group("peer", "ip", "1.2.3.4"))
	slog.Debug("below level")

	got := l.Recent().Snapshot(0, slog.LevelDebug)
	if len(got) != 1 {
		t.Fatalf("captured %d records, want 1", len(got))
	}
	rec := got[0]
	if rec.Message != "handled" {
		t.Errorf("message = %q", rec.Message)
	}
	want := map[string]any{
		"listener_id": "abc",
		"req.status":  int64(201),
		"req.peer.ip": "1.2.3.4",
	}
	for k, v := range want {
		if rec.Attrs[k] != v {
			t.Errorf("attrs[%q] = %v (%T), want %v", k, rec.Attrs[k], rec.Attrs[k], v)
		}
	}
	if !strings.Contains(buf.String(), "handled") {
		t.Error("record not forwarded to inner handler")
	}
}

func TestRecentDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := setup(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if l.Recent() != nil {
		t.Error("Recent() should be nil when recent_entries is 0")
	}
}
