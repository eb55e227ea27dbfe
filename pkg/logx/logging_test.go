package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWithFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").Component("lease").With(String("identity", "t:1"))
	l.Info("acquired", Int("attempt", 2))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("lines = %d", len(lines))
	}
	m := lines[0]
	if m["comp"] != "lease" || m["identity"] != "t:1" || m["attempt"] != float64(2) {
		t.Fatalf("fields missing: %v", m)
	}
	caller, _ := m["caller"].(string)
	if !strings.HasPrefix(caller, "logging_test.go:") {
		t.Fatalf("caller = %q", caller)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown")
	if got := len(decodeLines(t, &buf)); got != 1 {
		t.Fatalf("lines = %d, want 1", got)
	}
	if l.Enabled(LevelDebug) {
		t.Fatalf("debug should be disabled")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if l.Or().IsZero() {
		t.Fatalf("Or should return a usable logger")
	}
}

func TestThrottledReportsSuppressed(t *testing.T) {
	var buf bytes.Buffer
	th := NewThrottled(NewWriter(&buf, "debug"), time.Hour, 1)
	th.Warn("poll failed")
	th.Warn("poll failed")
	th.Warn("poll failed")
	if got := len(decodeLines(t, &buf)); got != 1 {
		t.Fatalf("lines = %d, want 1", got)
	}
}

func TestServiceWritesFile(t *testing.T) {
	path := t.TempDir() + "/logs/bot.log"
	svc, l := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	l.Info("hello", String("k", "v"))
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if svc.Config().File.Path != path {
		t.Fatalf("config not kept")
	}
}
