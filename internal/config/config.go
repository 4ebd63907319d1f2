// Package config handles configuration loading, validation, and management for kinetrace.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"kinetrace/internal/logging"
	"kinetrace/internal/telemetry"
	"kinetrace/internal/tracing"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Capture sizes the per-session sample buffers.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Input selects where events come from.
	Input InputConfig `toml:"input" json:"input" yaml:"input"`

	// Sink selects where submissions go.
	Sink SinkConfig `toml:"sink" json:"sink" yaml:"sink"`

	// Server configures the HTTP ingest and query endpoint.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Submit controls automatic submissions.
	Submit SubmitConfig `toml:"submit" json:"submit" yaml:"submit"`

	// Tracing exports request and submission spans.
	Tracing TracingConfig `toml:"tracing" json:"tracing" yaml:"tracing"`
}

// CaptureConfig holds buffer capacities. Changes apply at the next session
// start or reset.
type CaptureConfig struct {
	MouseCapacity int `toml:"mouse_capacity" json:"mouse_capacity" yaml:"mouse_capacity"`
	KeyCapacity   int `toml:"key_capacity" json:"key_capacity" yaml:"key_capacity"`
}

// Input sources.
const (
	InputStdin = "stdin"
	InputFile  = "file"
	InputDir   = "dir"
	InputNone  = "none"
)

// InputConfig selects the event source.
type InputConfig struct {
	// Source is "stdin", "file", "dir" or "none" (HTTP only).
	Source string `toml:"source" json:"source" yaml:"source"`

	// Path is the JSONL event file, or the spool directory for "dir".
	Path string `toml:"path" json:"path" yaml:"path"`

	// SettleMs is how long a spool file must be quiet before it is read.
	SettleMs int `toml:"settle_ms" json:"settle_ms" yaml:"settle_ms"`
}

// Sink types.
const (
	SinkCSV    = "csv"
	SinkSQLite = "sqlite"
	SinkMemory = "memory"
	SinkNone   = "none"
)

// SinkConfig selects the submission sink.
type SinkConfig struct {
	// Type is "csv", "sqlite", "memory" or "none".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the CSV file or SQLite database.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// Audit enables the session audit trail.
	Audit bool `toml:"audit" json:"audit" yaml:"audit"`

	// AuditPath is the audit trail file.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// SubmitConfig controls when the daemon submits.
type SubmitConfig struct {
	// IntervalSec submits periodically; 0 disables.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// OnExit submits once more before shutdown.
	OnExit bool `toml:"on_exit" json:"on_exit" yaml:"on_exit"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the JSON-lines span file. It rotates like the log file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// SampleRatio is the fraction of traces kept, in [0, 1].
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Version: Version,
		Capture: CaptureConfig{
			MouseCapacity: telemetry.DefaultMouseCapacity,
			KeyCapacity:   telemetry.DefaultKeyCapacity,
		},
		Input: InputConfig{
			Source:   InputStdin,
			SettleMs: 500,
		},
		Sink: SinkConfig{
			Type: SinkCSV,
			Path: filepath.Join(dataDir, "submissions.csv"),
		},
		Server: ServerConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8787",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  50,
			MaxBackups: 5,
			Compress:   true,
			Audit:      true,
			AuditPath:  logging.DefaultAuditConfig().FilePath,
		},
		Submit: SubmitConfig{
			IntervalSec: 0,
			OnExit:      true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Path:        filepath.Join(dataDir, "traces.jsonl"),
			SampleRatio: 1,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base kinetrace data directory.
// KINETRACE_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("KINETRACE_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path. A missing file yields defaults.
// TOML, JSON and YAML are chosen by extension; other extensions are
// auto-detected. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies KINETRACE_* environment variables.
// Malformed numeric values are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KINETRACE_MOUSE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Capture.MouseCapacity = n
		}
	}
	if v := os.Getenv("KINETRACE_KEY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Capture.KeyCapacity = n
		}
	}

	if v := os.Getenv("KINETRACE_INPUT_SOURCE"); v != "" {
		c.Input.Source = v
	}
	if v := os.Getenv("KINETRACE_INPUT_PATH"); v != "" {
		c.Input.Path = v
	}

	if v := os.Getenv("KINETRACE_SINK_TYPE"); v != "" {
		c.Sink.Type = v
	}
	if v := os.Getenv("KINETRACE_SINK_PATH"); v != "" {
		c.Sink.Path = v
	}

	if v := os.Getenv("KINETRACE_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
		c.Server.Enabled = true
	}

	if v := os.Getenv("KINETRACE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KINETRACE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("KINETRACE_AUDIT_PATH"); v != "" {
		c.Logging.AuditPath = v
	}

	if v := os.Getenv("KINETRACE_SUBMIT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Submit.IntervalSec = n
		}
	}
}

// Clone returns a copy of the configuration. Config holds no reference
// types, so a value copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// LoggerConfig converts the logging section for logging.New.
func (l LoggingConfig) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = l.Output
	if l.FilePath != "" {
		cfg.FilePath = l.FilePath
	}
	cfg.MaxSize = int64(l.MaxSizeMB)
	cfg.MaxBackups = l.MaxBackups
	cfg.Compress = l.Compress
	if component != "" {
		cfg.Component = component
	}
	return cfg, nil
}

// AuditConfig converts the audit settings for logging.NewAuditLogger.
// It returns nil when auditing is disabled.
func (l LoggingConfig) AuditConfig(component string) *logging.AuditConfig {
	if !l.Audit {
		return nil
	}
	cfg := logging.DefaultAuditConfig()
	if l.AuditPath != "" {
		cfg.FilePath = l.AuditPath
	}
	cfg.Compress = l.Compress
	if component != "" {
		cfg.Component = component
	}
	return cfg
}

// Tracer builds a span tracer writing to Path, rotated with the log file
// limits in rotation. It returns nil, which records nothing, when tracing
// is disabled.
func (t TracingConfig) Tracer(service string, rotation LoggingConfig) (*tracing.Tracer, error) {
	if !t.Enabled {
		return nil, nil
	}
	rotator, err := logging.NewFileRotator(&logging.Config{
		FilePath:   t.Path,
		MaxSize:    int64(rotation.MaxSizeMB),
		MaxBackups: rotation.MaxBackups,
		Compress:   rotation.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return tracing.New(tracing.Config{
		Service:     service,
		SampleRatio: t.SampleRatio,
		Exporter:    tracing.NewWriterExporter(rotator),
	}), nil
}
