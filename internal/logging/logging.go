// Package logging is kinetrace's slog setup: one shared level for every
// derived logger, a component attribute per package, request IDs carried
// through context, and redaction of key identities before anything is
// written. File output goes through FileRotator.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a slog level; the aliases keep callers off log/slog.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config is built from the [logging] section of the daemon config.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	Output   string
	FilePath string

	// Rotation: MaxSize in megabytes, gzip when Compress is set.
	MaxSize    int64
	MaxBackups int
	Compress   bool

	AddSource bool
	Component string

	// Writer overrides Output when set.
	Writer io.Writer
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   DefaultLogPath(),
		MaxSize:    50,
		MaxBackups: 5,
		Compress:   true,
		Component:  "kinetrace",
	}
}

// DefaultLogPath is the per-user state location for kinetrace.log.
func DefaultLogPath() string {
	home, _ := os.UserHomeDir()
	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Logs", "kinetrace")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		dir = filepath.Join(base, "kinetrace", "logs")
	default:
		state := os.Getenv("XDG_STATE_HOME")
		if state == "" {
			state = filepath.Join(home, ".local", "state")
		}
		dir = filepath.Join(state, "kinetrace")
	}
	return filepath.Join(dir, "kinetrace.log")
}

// Logger wraps slog.Logger with a shared level and optional file rotation.
// The component attribute is held outside the handler chain so that
// WithComponent replaces it rather than stacking a second one.
type Logger struct {
	*slog.Logger
	config    *Config
	level     *slog.LevelVar
	rotator   *FileRotator
	requestID *atomic.Uint64

	base      slog.Handler // formatting and redaction, no attributes
	component string
	attrs     []slog.Attr // request-scoped attributes, after component
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
	loggerOnce    sync.Once
)

// Default returns the default global logger.
func Default() *Logger {
	loggerOnce.Do(func() {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{
				config:    DefaultConfig(),
				level:     new(slog.LevelVar),
				requestID: new(atomic.Uint64),
				base:      slog.Default().Handler(),
				component: "kinetrace",
			}
			l.build()
		}
		defaultMu.Lock()
		if defaultLogger == nil {
			defaultLogger = l
		}
		defaultMu.Unlock()
	})

	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default global logger.
func SetDefault(l *Logger) {
	loggerOnce.Do(func() {})
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New creates a new Logger with the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{
		config:    cfg,
		level:     new(slog.LevelVar),
		requestID: new(atomic.Uint64),
		component: cfg.Component,
	}
	l.level.Set(cfg.Level)

	w, err := l.setupWriter()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     l.level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	switch cfg.Format {
	case FormatJSON:
		l.base = slog.NewJSONHandler(w, opts)
	default:
		l.base = slog.NewTextHandler(w, opts)
	}
	l.build()
	return l, nil
}

// build rebuilds the slog.Logger from base, component and attrs.
func (l *Logger) build() {
	attrs := make([]slog.Attr, 0, len(l.attrs)+1)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	attrs = append(attrs, l.attrs...)
	h := l.base
	if len(attrs) > 0 {
		h = h.WithAttrs(attrs)
	}
	l.Logger = slog.New(h)
}

func (l *Logger) setupWriter() (io.Writer, error) {
	if l.config.Writer != nil {
		return l.config.Writer, nil
	}

	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		rotator, err := NewFileRotator(l.config)
		if err != nil {
			return nil, err
		}
		l.rotator = rotator
		if strings.EqualFold(l.config.Output, "both") {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	default:
		return os.Stderr, nil
	}
}

// Attribute keys whose values never reach the log. Key identities are
// treated as typed content.
var redactedKeys = map[string]bool{
	"key":           true,
	"keys":          true,
	"password":      true,
	"token":         true,
	"authorization": true,
	"cookie":        true,
}

func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	if redactedKeys[k] {
		return true
	}
	return strings.Contains(k, "secret") || strings.Contains(k, "password") || strings.HasSuffix(k, "_token")
}

// SetLevel changes the minimum level of this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// derive copies l with a different component and attribute set. The
// level, rotator and request counter stay shared.
func (l *Logger) derive(component string, attrs []slog.Attr) *Logger {
	d := &Logger{
		config:    l.config,
		level:     l.level,
		rotator:   l.rotator,
		requestID: l.requestID,
		base:      l.base,
		component: component,
		attrs:     attrs,
	}
	d.build()
	return d
}

// WithRequestID returns a logger tagged with id, replacing any request ID
// already present.
func (l *Logger) WithRequestID(id string) *Logger {
	attrs := make([]slog.Attr, 0, len(l.attrs)+1)
	for _, a := range l.attrs {
		if a.Key != "request_id" {
			attrs = append(attrs, a)
		}
	}
	return l.derive(l.component, append(attrs, slog.String("request_id", id)))
}

// NewRequestID generates a process-unique request ID prefixed with the
// logger's component.
func (l *Logger) NewRequestID() string {
	id := l.requestID.Add(1)
	return fmt.Sprintf("%s-%d-%d", l.component, time.Now().UnixNano(), id)
}

// WithComponent returns a logger whose component attribute is name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(name, l.attrs)
}

// WithContext returns a logger with context-derived attributes.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		return l.WithRequestID(reqID)
	}
	return l
}

// Close closes any open log files.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

type contextKey int

const (
	requestIDKey contextKey = iota
)

// ContextWithRequestID returns a new context with the request ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}
