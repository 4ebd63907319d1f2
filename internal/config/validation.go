package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Capacity limits. Larger buffers make aggregation queries slow without
// improving the averages.
const (
	MaxMouseCapacity = 100_000
	MaxKeyCapacity   = 10_000
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match a non-empty list.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ErrInvalidConfig is matched by any ValidationErrors.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig validates every section and returns all problems at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateInput(&c.Input)...)
	errs = append(errs, validateSink(&c.Sink)...)
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateTracing(&c.Tracing)...)

	if c.Submit.IntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "submit.interval_sec",
			Message: "interval cannot be negative",
		})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors
	if c.MouseCapacity < 1 || c.MouseCapacity > MaxMouseCapacity {
		errs = append(errs, *RangeError("capture.mouse_capacity", 1, MaxMouseCapacity))
	}
	if c.KeyCapacity < 1 || c.KeyCapacity > MaxKeyCapacity {
		errs = append(errs, *RangeError("capture.key_capacity", 1, MaxKeyCapacity))
	}
	return errs
}

func validateInput(i *InputConfig) ValidationErrors {
	var errs ValidationErrors
	switch i.Source {
	case InputStdin, InputNone:
	case InputFile, InputDir:
		if i.Path == "" {
			errs = append(errs, *RequiredFieldError("input.path"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "input.source",
			Message: fmt.Sprintf("invalid source: %s (valid: stdin, file, dir, none)", i.Source),
		})
	}
	if i.SettleMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "input.settle_ms",
			Message: "settle interval cannot be negative",
		})
	}
	return errs
}

func validateSink(s *SinkConfig) ValidationErrors {
	var errs ValidationErrors
	switch s.Type {
	case SinkMemory, SinkNone:
	case SinkCSV, SinkSQLite:
		if s.Path == "" {
			errs = append(errs, *RequiredFieldError("sink.path"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "sink.type",
			Message: fmt.Sprintf("invalid sink: %s (valid: csv, sqlite, memory, none)", s.Type),
		})
	}
	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	if !s.Enabled {
		return nil
	}
	if s.Addr == "" {
		return ValidationErrors{*RequiredFieldError("server.addr")}
	}
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		return ValidationErrors{{Field: "server.addr", Message: err.Error()}}
	}
	return nil
}

func validateTracing(t *TracingConfig) ValidationErrors {
	var errs ValidationErrors
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, ValidationError{
			Field:   "tracing.sample_ratio",
			Message: fmt.Sprintf("sample ratio %g out of range [0, 1]", t.SampleRatio),
		})
	}
	if t.Enabled && t.Path == "" {
		errs = append(errs, *RequiredFieldError("tracing.path"))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
