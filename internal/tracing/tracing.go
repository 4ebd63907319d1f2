// Package tracing provides lightweight spans for kinetrace operations.
//
// Spans follow OpenTelemetry concepts without the SDK: W3C traceparent
// propagation, ratio sampling and JSON-lines export. A nil *Tracer is
// valid and produces spans that record nothing.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// TraceID identifies a trace.
type TraceID [16]byte

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// IsValid reports whether the id is non-zero.
func (t TraceID) IsValid() bool { return t != TraceID{} }

// SpanID identifies a span within a trace.
type SpanID [8]byte

func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

// IsValid reports whether the id is non-zero.
func (s SpanID) IsValid() bool { return s != SpanID{} }

// SpanKind distinguishes request handling from internal work.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
)

func (k SpanKind) String() string {
	if k == SpanKindServer {
		return "server"
	}
	return "internal"
}

// StatusCode is the outcome of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// SpanContext is the propagated part of a span.
type SpanContext struct {
	TraceID    TraceID
	SpanID     SpanID
	TraceFlags byte
	Remote     bool
}

// IsValid reports whether both ids are set.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// IsSampled reports whether the sampled flag is set.
func (sc SpanContext) IsSampled() bool {
	return sc.TraceFlags&0x01 != 0
}

// Span is one timed operation.
type Span struct {
	mu        sync.Mutex
	tracer    *Tracer
	name      string
	context   SpanContext
	parent    SpanContext
	kind      SpanKind
	startTime time.Time
	endTime   time.Time
	attrs     map[string]any
	status    StatusCode
	statusMsg string
	ended     atomic.Bool
}

// Context returns the span's propagation context.
func (s *Span) Context() SpanContext {
	return s.context
}

// SetAttribute records a key/value on the span.
func (s *Span) SetAttribute(key string, value any) {
	if s.tracer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[key] = value
}

// SetStatus sets the span outcome.
func (s *Span) SetStatus(code StatusCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
	s.statusMsg = message
}

// RecordError marks the span failed. A nil err is ignored.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.SetAttribute("error.type", fmt.Sprintf("%T", err))
	s.SetStatus(StatusError, err.Error())
}

// End finishes the span and exports it if sampled. Later calls are no-ops.
func (s *Span) End() {
	if s.ended.Swap(true) {
		return
	}
	s.mu.Lock()
	s.endTime = s.tracer.now()
	s.mu.Unlock()

	if s.tracer != nil && s.context.IsSampled() {
		s.tracer.exporter.ExportSpan(s.Data())
	}
}

// SpanData is the exported form of a span.
type SpanData struct {
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Kind       string         `json:"kind"`
	Service    string         `json:"service,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	DurationMs float64        `json:"duration_ms"`
	Status     string         `json:"status"`
	StatusMsg  string         `json:"status_message,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Data returns a snapshot of the span.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attrs map[string]any
	if len(s.attrs) > 0 {
		attrs = make(map[string]any, len(s.attrs))
		for k, v := range s.attrs {
			attrs[k] = v
		}
	}

	d := SpanData{
		Name:       s.name,
		TraceID:    s.context.TraceID.String(),
		SpanID:     s.context.SpanID.String(),
		Kind:       s.kind.String(),
		StartTime:  s.startTime,
		Status:     s.status.String(),
		StatusMsg:  s.statusMsg,
		Attributes: attrs,
	}
	if s.tracer != nil {
		d.Service = s.tracer.service
	}
	if s.parent.SpanID.IsValid() {
		d.ParentID = s.parent.SpanID.String()
	}
	if !s.endTime.IsZero() {
		d.DurationMs = float64(s.endTime.Sub(s.startTime).Microseconds()) / 1000
	}
	return d
}

// Exporter receives finished, sampled spans.
type Exporter interface {
	ExportSpan(SpanData)
	Shutdown() error
}

// WriterExporter writes spans as JSON lines.
type WriterExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// NewWriterExporter exports to w. If w is an io.Closer it is closed on
// Shutdown.
func NewWriterExporter(w io.Writer) *WriterExporter {
	e := &WriterExporter{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		e.c = c
	}
	return e
}

// ExportSpan writes one span. Encoding errors are dropped.
func (e *WriterExporter) ExportSpan(d SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(d)
}

// Shutdown closes the underlying writer when it is closable.
func (e *WriterExporter) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return nil
	}
	return e.c.Close()
}

// MemoryExporter keeps spans in memory.
type MemoryExporter struct {
	mu    sync.Mutex
	spans []SpanData
}

// ExportSpan appends d.
func (e *MemoryExporter) ExportSpan(d SpanData) {
	e.mu.Lock()
	e.spans = append(e.spans, d)
	e.mu.Unlock()
}

// Shutdown is a no-op.
func (e *MemoryExporter) Shutdown() error { return nil }

// Spans returns a copy of the exported spans.
func (e *MemoryExporter) Spans() []SpanData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SpanData(nil), e.spans...)
}

// Config configures a Tracer.
type Config struct {
	Service string
	// SampleRatio in [0,1]; values >= 1 sample everything.
	SampleRatio float64
	Exporter    Exporter
}

// Tracer starts spans.
type Tracer struct {
	service   string
	threshold uint64
	exporter  Exporter
	nowFn     func() time.Time
}

// New creates a tracer. A nil exporter makes every span unsampled.
func New(cfg Config) *Tracer {
	t := &Tracer{service: cfg.Service, exporter: cfg.Exporter, nowFn: time.Now}
	switch {
	case cfg.Exporter == nil || cfg.SampleRatio <= 0:
		t.threshold = 0
	case cfg.SampleRatio >= 1:
		t.threshold = ^uint64(0)
	default:
		t.threshold = uint64(cfg.SampleRatio * float64(^uint64(0)))
	}
	return t
}

func (t *Tracer) now() time.Time {
	if t == nil {
		return time.Now()
	}
	return t.nowFn()
}

// shouldSample makes the decision from the trace id so every span of a
// trace agrees.
func (t *Tracer) shouldSample(id TraceID) bool {
	if t.threshold == 0 {
		return false
	}
	if t.threshold == ^uint64(0) {
		return true
	}
	return binary.BigEndian.Uint64(id[8:]) < t.threshold
}

// SpanOption configures a span at start.
type SpanOption func(*Span)

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(s *Span) { s.kind = kind }
}

// WithAttribute sets an initial attribute.
func WithAttribute(key string, value any) SpanOption {
	return func(s *Span) { s.SetAttribute(key, value) }
}

// Start begins a span that is a child of the span or remote parent in ctx.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	if t == nil {
		return ctx, &Span{name: name}
	}

	var parent SpanContext
	if p := SpanFromContext(ctx); p != nil {
		parent = p.Context()
	} else if r, ok := ctx.Value(remoteKey{}).(SpanContext); ok {
		parent = r
	}

	sc := SpanContext{}
	if parent.TraceID.IsValid() {
		sc.TraceID = parent.TraceID
		sc.TraceFlags = parent.TraceFlags
	} else {
		rand.Read(sc.TraceID[:])
		if t.shouldSample(sc.TraceID) {
			sc.TraceFlags = 0x01
		}
	}
	rand.Read(sc.SpanID[:])
	if t.exporter == nil {
		sc.TraceFlags = 0
	}

	span := &Span{
		tracer:    t,
		name:      name,
		context:   sc,
		parent:    parent,
		startTime: t.now(),
	}
	for _, opt := range opts {
		opt(span)
	}
	return context.WithValue(ctx, spanKey{}, span), span
}

// Shutdown flushes and closes the exporter.
func (t *Tracer) Shutdown() error {
	if t == nil || t.exporter == nil {
		return nil
	}
	return t.exporter.Shutdown()
}

type spanKey struct{}
type remoteKey struct{}

// SpanFromContext returns the active span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// ContextWithRemoteParent makes sc the parent of the next span started
// from the returned context.
func ContextWithRemoteParent(ctx context.Context, sc SpanContext) context.Context {
	if !sc.IsValid() {
		return ctx
	}
	sc.Remote = true
	return context.WithValue(ctx, remoteKey{}, sc)
}

// Trace runs fn inside a span, recording its error.
func Trace(ctx context.Context, t *Tracer, name string, fn func(ctx context.Context) error) error {
	ctx, span := t.Start(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetStatus(StatusOK, "")
	}
	return err
}

// TraceParentHeader is the W3C trace context header.
const TraceParentHeader = "traceparent"

// ParseTraceParent parses a version 00 traceparent header,
// e.g. 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01.
func ParseTraceParent(header string) (SpanContext, error) {
	if len(header) != 55 {
		return SpanContext{}, fmt.Errorf("tracing: invalid traceparent length %d", len(header))
	}
	if header[2] != '-' || header[35] != '-' || header[52] != '-' {
		return SpanContext{}, fmt.Errorf("tracing: invalid traceparent format")
	}
	if header[0:2] != "00" {
		return SpanContext{}, fmt.Errorf("tracing: unsupported traceparent version %s", header[0:2])
	}

	var sc SpanContext
	if _, err := hex.Decode(sc.TraceID[:], []byte(header[3:35])); err != nil {
		return SpanContext{}, fmt.Errorf("tracing: invalid trace id: %w", err)
	}
	if _, err := hex.Decode(sc.SpanID[:], []byte(header[36:52])); err != nil {
		return SpanContext{}, fmt.Errorf("tracing: invalid span id: %w", err)
	}
	var flags [1]byte
	if _, err := hex.Decode(flags[:], []byte(header[53:55])); err != nil {
		return SpanContext{}, fmt.Errorf("tracing: invalid flags: %w", err)
	}
	sc.TraceFlags = flags[0]
	if !sc.IsValid() {
		return SpanContext{}, fmt.Errorf("tracing: all-zero trace or span id")
	}
	sc.Remote = true
	return sc, nil
}

// FormatTraceParent renders sc as a traceparent header value.
func FormatTraceParent(sc SpanContext) string {
	return fmt.Sprintf("00-%s-%s-%02x", sc.TraceID, sc.SpanID, sc.TraceFlags&0x01)
}
