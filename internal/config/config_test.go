package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Capture.MouseCapacity != 1000 {
		t.Errorf("expected mouse capacity 1000, got %d", cfg.Capture.MouseCapacity)
	}
	if cfg.Capture.KeyCapacity != 150 {
		t.Errorf("expected key capacity 150, got %d", cfg.Capture.KeyCapacity)
	}
	if cfg.Sink.Type != SinkCSV {
		t.Errorf("expected csv sink, got %s", cfg.Sink.Type)
	}
}

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KINETRACE_DATA_DIR", dir)

	if got := DataDir(); got != dir {
		t.Errorf("expected %s, got %s", dir, got)
	}
	cfg := DefaultConfig()
	if !strings.HasPrefix(cfg.Sink.Path, dir) {
		t.Errorf("sink path should live under data dir: %s", cfg.Sink.Path)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.MouseCapacity != 1000 {
		t.Errorf("expected defaults, got %+v", cfg.Capture)
	}
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"config.toml", `
version = 1
[capture]
mouse_capacity = 200
[sink]
type = "sqlite"
path = "/tmp/kt.db"
`},
		{"config.json", `{"version":1,"capture":{"mouse_capacity":200},"sink":{"type":"sqlite","path":"/tmp/kt.db"}}`},
		{"config.yaml", `
version: 1
capture:
  mouse_capacity: 200
sink:
  type: sqlite
  path: /tmp/kt.db
`},
		{"kinetrace.conf", `
[capture]
mouse_capacity = 200
[sink]
type = "sqlite"
path = "/tmp/kt.db"
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.name)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Capture.MouseCapacity != 200 {
				t.Errorf("mouse capacity = %d", cfg.Capture.MouseCapacity)
			}
			// unset fields keep their defaults
			if cfg.Capture.KeyCapacity != 150 {
				t.Errorf("key capacity = %d", cfg.Capture.KeyCapacity)
			}
			if cfg.Sink.Type != SinkSQLite || cfg.Sink.Path != "/tmp/kt.db" {
				t.Errorf("sink = %+v", cfg.Sink)
			}
		})
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("capture = [[["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("KINETRACE_MOUSE_CAPACITY", "64")
	t.Setenv("KINETRACE_KEY_CAPACITY", "not-a-number")
	t.Setenv("KINETRACE_SINK_TYPE", "memory")
	t.Setenv("KINETRACE_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("KINETRACE_LOG_LEVEL", "debug")
	t.Setenv("KINETRACE_SUBMIT_INTERVAL", "30")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Capture.MouseCapacity != 64 {
		t.Errorf("mouse capacity = %d", cfg.Capture.MouseCapacity)
	}
	if cfg.Capture.KeyCapacity != 150 {
		t.Errorf("malformed override should be ignored, got %d", cfg.Capture.KeyCapacity)
	}
	if cfg.Sink.Type != SinkMemory {
		t.Errorf("sink type = %s", cfg.Sink.Type)
	}
	if !cfg.Server.Enabled || cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	if cfg.Submit.IntervalSec != 30 {
		t.Errorf("submit interval = %d", cfg.Submit.IntervalSec)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Version = 99
	cfg.Capture.MouseCapacity = 0
	cfg.Input.Source = InputFile
	cfg.Sink.Type = "kafka"
	cfg.Server.Enabled = true
	cfg.Server.Addr = "no-port"
	cfg.Logging.Level = "loud"
	cfg.Submit.IntervalSec = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	want := []string{
		"version", "capture.mouse_capacity", "input.path", "sink.type",
		"server.addr", "logging.level", "submit.interval_sec",
	}
	got := strings.Join(verrs.Fields(), ",")
	for _, field := range want {
		if !strings.Contains(got, field) {
			t.Errorf("missing error for %s in %s", field, got)
		}
	}
}

func TestValidateSinkPathRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sink.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for csv sink without path")
	}

	cfg.Sink.Type = SinkMemory
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory sink needs no path: %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Capture.MouseCapacity = 5
	clone.Sink.Path = "elsewhere"

	if cfg.Capture.MouseCapacity == 5 || cfg.Sink.Path == "elsewhere" {
		t.Error("Clone shares state with the original")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "config"+ext)

			cfg := DefaultConfig()
			cfg.Capture.KeyCapacity = 42
			cfg.Server.Enabled = true
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Capture.KeyCapacity != 42 || !loaded.Server.Enabled {
				t.Errorf("round trip lost values: %+v %+v", loaded.Capture, loaded.Server)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if created {
		t.Error("expected existing file to be loaded")
	}
}

func TestLoggerConfig(t *testing.T) {
	l := DefaultConfig().Logging
	l.Level = "warn"
	l.Format = "json"

	cfg, err := l.LoggerConfig("test")
	if err != nil {
		t.Fatalf("LoggerConfig: %v", err)
	}
	if cfg.Component != "test" || cfg.MaxSize != 50 {
		t.Errorf("unexpected logger config %+v", cfg)
	}

	l.Level = "chatty"
	if _, err := l.LoggerConfig(""); err == nil {
		t.Error("expected error for bad level")
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer loader.Close()

	changed := make(chan *Config, 1)
	loader.OnChange(func(old, new *Config) {
		select {
		case changed <- new:
		default:
		}
	})

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		if got.Logging.Level != "debug" {
			t.Errorf("reloaded level = %s", got.Logging.Level)
		}
		if loader.Config().Logging.Level != "debug" {
			t.Error("loader did not swap config")
		}
	case err := <-loader.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	bad := DefaultConfig()
	bad.Capture.KeyCapacity = -1
	if err := SaveConfig(bad, path); err != nil {
		t.Fatal(err)
	}

	if err := loader.Reload(); err == nil {
		t.Fatal("expected reload to fail validation")
	}
	if loader.Config().Capture.KeyCapacity != 150 {
		t.Error("invalid reload replaced the config")
	}
}

func TestLoggingAuditConfig(t *testing.T) {
	l := DefaultConfig().Logging
	if !l.Audit {
		t.Fatal("audit should be on by default")
	}

	l.AuditPath = "/tmp/kt/audit.log"
	cfg := l.AuditConfig("kinetraced")
	if cfg == nil {
		t.Fatal("AuditConfig() = nil with audit enabled")
	}
	if cfg.FilePath != "/tmp/kt/audit.log" || cfg.Component != "kinetraced" {
		t.Errorf("AuditConfig() = %+v", cfg)
	}

	l.Audit = false
	if l.AuditConfig("kinetraced") != nil {
		t.Error("AuditConfig() should be nil when disabled")
	}
}

func TestValidateInputDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Input.Source = InputDir
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "input.path") {
		t.Errorf("expected input.path error, got %v", err)
	}

	cfg.Input.Path = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	cfg.Input.SettleMs = -1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "input.settle_ms") {
		t.Errorf("expected input.settle_ms error, got %v", err)
	}
}

func TestTracingConfig(t *testing.T) {
	cfg := DefaultConfig()
	tr, err := cfg.Tracing.Tracer("kinetraced", cfg.Logging)
	if err != nil || tr != nil {
		t.Fatalf("disabled tracing: tracer=%v err=%v", tr, err)
	}

	cfg.Tracing.SampleRatio = 1.5
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tracing.sample_ratio") {
		t.Errorf("expected sample_ratio error, got %v", err)
	}

	cfg.Tracing.SampleRatio = 1
	cfg.Tracing.Enabled = true
	cfg.Tracing.Path = filepath.Join(t.TempDir(), "spans", "traces.jsonl")
	tr, err = cfg.Tracing.Tracer("kinetraced", cfg.Logging)
	if err != nil {
		t.Fatalf("Tracer: %v", err)
	}
	if tr == nil {
		t.Fatal("expected a tracer when enabled")
	}
	if err := tr.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
