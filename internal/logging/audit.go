package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies a session-level audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
	AuditEventSessionStart AuditEventType = "session_start"
	AuditEventSessionReset AuditEventType = "session_reset"
	AuditEventSubmission   AuditEventType = "submission"
	AuditEventSessionEnd   AuditEventType = "session_end"
	AuditEventConfigChange AuditEventType = "config_change"
)

// Audit results.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditEvent is one line of the audit trail. It never carries key names or
// coordinates, only session bookkeeping.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditConfig configures an AuditLogger.
type AuditConfig struct {
	// FilePath is the audit log file. Ignored when Writer is set.
	FilePath string

	// MaxSize is the size in MB that triggers rotation.
	MaxSize int64

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	// Component fills AuditEvent.Component when empty.
	Component string

	// Writer overrides the file. Used by tests.
	Writer io.Writer
}

// DefaultAuditConfig places audit.log next to the default log file.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		FilePath:   filepath.Join(filepath.Dir(DefaultLogPath()), "audit.log"),
		MaxSize:    10,
		MaxBackups: 10,
		Compress:   true,
		Component:  "kinetrace",
	}
}

// AuditLogger appends JSON audit events, one per line. A nil *AuditLogger
// is valid and discards everything.
type AuditLogger struct {
	config  *AuditConfig
	rotator *FileRotator
	w       io.Writer
	now     func() time.Time

	mu sync.Mutex
}

// NewAuditLogger opens the audit trail described by cfg.
func NewAuditLogger(cfg *AuditConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	a := &AuditLogger{config: cfg, now: time.Now}

	if cfg.Writer != nil {
		a.w = cfg.Writer
		return a, nil
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a.rotator = rotator
	a.w = rotator
	return a, nil
}

// Log writes one event, filling in timestamp, component and request id.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.Result == "" {
		event.Result = AuditSuccess
	}
	if event.RequestID == "" && ctx != nil {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogSessionStart records a new session.
func (a *AuditLogger) LogSessionStart(ctx context.Context, sessionID string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionStart,
		SessionID: sessionID,
		Action:    "start",
		Details:   details,
	})
}

// LogSessionReset records a reset; reason is "start", "reset" or "submitted".
func (a *AuditLogger) LogSessionReset(ctx context.Context, previousID, sessionID, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionReset,
		SessionID: sessionID,
		Action:    reason,
		Details:   map[string]any{"previous_session_id": previousID},
	})
}

// LogSubmission records a submit attempt and its outcome.
func (a *AuditLogger) LogSubmission(ctx context.Context, sessionID string, err error, details map[string]any) error {
	event := AuditEvent{
		EventType: AuditEventSubmission,
		SessionID: sessionID,
		Action:    "submit",
		Details:   details,
	}
	if err != nil {
		event.Result = AuditFailure
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogSessionEnd records a teardown.
func (a *AuditLogger) LogSessionEnd(ctx context.Context, sessionID string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionEnd,
		SessionID: sessionID,
		Action:    "teardown",
		Details:   details,
	})
}

// LogConfigChange records a reloaded setting.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting string, oldValue, newValue any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "reload",
		Details: map[string]any{
			"setting":   setting,
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogStartup records process start.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "startup",
		Details:   details,
	})
}

// LogShutdown records process exit.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "shutdown",
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the audit file.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

// Sync flushes the audit file.
func (a *AuditLogger) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}
