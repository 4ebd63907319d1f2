package logging

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"", LevelInfo, false},
		{"verbose", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = format
	cfg.Writer = &buf
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return l, &buf
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)
	l.WithComponent("session").Info("started", "session_id", "abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "started" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "session" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["session_id"] != "abc" {
		t.Errorf("session_id should not be redacted, got %v", entry["session_id"])
	}
}

func TestWithComponentReplaces(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	l.WithComponent("session").Info("started")

	out := buf.String()
	if n := strings.Count(out, "component="); n != 1 {
		t.Errorf("got %d component attributes, want 1: %s", n, out)
	}
	if !strings.Contains(out, "component=session") || strings.Contains(out, "component=kinetrace") {
		t.Errorf("component not replaced: %s", out)
	}

	buf.Reset()
	l.WithRequestID("req-1").WithComponent("server").WithComponent("handler").Info("served")
	out = buf.String()
	if strings.Count(out, "component=") != 1 || !strings.Contains(out, "component=handler") {
		t.Errorf("chained WithComponent: %s", out)
	}
	if !strings.Contains(out, "request_id=req-1") {
		t.Errorf("request_id lost across WithComponent: %s", out)
	}
}

func TestWithRequestIDReplaces(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)
	l.WithRequestID("a").WithRequestID("b").Info("x")

	if n := strings.Count(buf.String(), `"request_id"`); n != 1 {
		t.Fatalf("got %d request_id keys: %s", n, buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["request_id"] != "b" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	l.Info("keystroke", "key", "a", "password", "hunter2", "api_token", "t0k", "dwell_ms", 50)

	out := buf.String()
	for _, secret := range []string{"key=a", "hunter2", "t0k"} {
		if strings.Contains(out, secret) {
			t.Errorf("output leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "dwell_ms=50") {
		t.Errorf("expected dwell_ms in output: %s", out)
	}
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	child := l.WithComponent("server")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug emitted at info level: %s", buf.String())
	}

	l.SetLevel(LevelDebug)
	child.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected debug output after SetLevel, got %q", buf.String())
	}
	if !child.Enabled(context.Background(), LevelDebug) {
		t.Error("child not enabled at debug after SetLevel on parent")
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if RequestIDFromContext(context.Background()) != "" {
		t.Error("expected empty request ID")
	}

	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("expected req-1, got %q", got)
	}

	l, buf := newBufferLogger(t, FormatText)
	l.WithContext(ctx).Info("handled")
	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Errorf("expected request_id attribute: %s", buf.String())
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	l, _ := newBufferLogger(t, FormatText)
	a, b := l.NewRequestID(), l.WithComponent("x").NewRequestID()
	if a == b {
		t.Errorf("request IDs collide: %s", a)
	}
	if !strings.HasPrefix(a, "kinetrace-") || !strings.HasPrefix(b, "x-") {
		t.Errorf("unexpected request IDs %q %q", a, b)
	}
}

func TestFileOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "kinetrace.log")

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	l.Info("to file")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestRotatorRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		FilePath:   filepath.Join(dir, "app.log"),
		MaxSize:    1,
		MaxBackups: 2,
		Compress:   false,
	}

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	tick := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	line := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 5; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := r.LogFiles()
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	// current + at most MaxBackups rotated
	if len(files) != 3 {
		t.Errorf("expected 3 files, got %v", files)
	}
}

func TestRotatorCompressesRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		FilePath:   filepath.Join(dir, "app.log"),
		MaxSize:    1,
		MaxBackups: 5,
		Compress:   true,
	}

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	if _, err := r.Write([]byte("first generation\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := r.Write([]byte("second generation\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "app-*.log.gz"))
	if len(matches) != 1 {
		t.Fatalf("expected one compressed file, got %v", matches)
	}

	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(gz)
	if string(data) != "first generation\n" {
		t.Errorf("unexpected rotated content %q", data)
	}
}

func TestNilAuditLoggerDiscards(t *testing.T) {
	var a *AuditLogger
	if err := a.LogSessionStart(context.Background(), "s", nil); err != nil {
		t.Errorf("nil audit logger returned %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	a, err := NewAuditLogger(&AuditConfig{FilePath: path, Component: "kinetraced"})
	if err != nil {
		t.Fatalf("NewAuditLogger() error = %v", err)
	}

	ctx := ContextWithRequestID(context.Background(), "req-7")
	if err := a.LogSubmission(ctx, "s-1", errors.New("disk full"), nil); err != nil {
		t.Fatalf("LogSubmission() error = %v", err)
	}
	if err := a.LogConfigChange(context.Background(), "capture.mouse_capacity", 1000, 2000); err != nil {
		t.Fatalf("LogConfigChange() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d audit lines, want 2", len(lines))
	}

	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.EventType != AuditEventSubmission || ev.Result != AuditFailure || ev.Error != "disk full" {
		t.Errorf("unexpected submission event: %+v", ev)
	}
	if ev.RequestID != "req-7" || ev.Component != "kinetraced" || ev.SessionID != "s-1" {
		t.Errorf("defaults not filled: %+v", ev)
	}

	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.EventType != AuditEventConfigChange || ev.Result != AuditSuccess {
		t.Errorf("unexpected config event: %+v", ev)
	}
	if ev.Details["setting"] != "capture.mouse_capacity" {
		t.Errorf("details = %v", ev.Details)
	}
}
