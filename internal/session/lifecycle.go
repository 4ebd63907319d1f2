// Package session owns the capture lifecycle.
//
// A Lifecycle moves between Idle and Capturing. While capturing it owns
// one telemetry.State and applies events to it one at a time under a
// single mutex, so events delivered from several goroutines (HTTP
// handlers, attached sources) behave as if dispatched on one thread.
// Teardown detaches every source before it returns; no event can mutate
// state after that.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kinetrace/internal/input"
	"kinetrace/internal/logging"
	"kinetrace/internal/metrics"
	"kinetrace/internal/sink"
	"kinetrace/internal/telemetry"
	"kinetrace/internal/tracing"
)

// ErrNotCapturing is returned for operations that need a live session.
var ErrNotCapturing = errors.New("session: not capturing")

// Phase is the lifecycle phase.
type Phase int

const (
	Idle Phase = iota
	Capturing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// Lifecycle is the session state machine. The zero value is not usable;
// call New.
type Lifecycle struct {
	mu sync.Mutex

	phase     Phase
	state     *telemetry.State
	id        string
	startedAt time.Time
	events    uint64
	dropped   uint64
	subs      map[*Subscription]struct{}

	mouseCap int
	keyCap   int
	// capacities of the current state, compared on reset
	stateMouseCap int
	stateKeyCap   int

	sink    sink.Sink
	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.TelemetryMetrics
	tracer  *tracing.Tracer
	now     func() time.Time
	newID   func() string
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithCapacities sets the mouse and key buffer capacities.
// Non-positive values keep the defaults.
func WithCapacities(mouse, key int) Option {
	return func(l *Lifecycle) {
		if mouse > 0 {
			l.mouseCap = mouse
		}
		if key > 0 {
			l.keyCap = key
		}
	}
}

// WithSink sets where Submit delivers records. The default discards them.
func WithSink(s sink.Sink) Option {
	return func(l *Lifecycle) {
		if s != nil {
			l.sink = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(l *Lifecycle) {
		if log != nil {
			l.log = log
		}
	}
}

// WithAudit records session starts, resets, submissions and teardowns.
func WithAudit(a *logging.AuditLogger) Option {
	return func(l *Lifecycle) {
		l.audit = a
	}
}

// WithMetrics sets the metrics the lifecycle updates.
func WithMetrics(m *metrics.TelemetryMetrics) Option {
	return func(l *Lifecycle) {
		l.metrics = m
	}
}

// WithTracer records a span around every Submit.
func WithTracer(t *tracing.Tracer) Option {
	return func(l *Lifecycle) {
		l.tracer = t
	}
}

// WithClock overrides the wall clock used for session and submission times.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(l *Lifecycle) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// New returns an idle lifecycle.
func New(opts ...Option) *Lifecycle {
	l := &Lifecycle{
		phase:    Idle,
		subs:     make(map[*Subscription]struct{}),
		mouseCap: telemetry.DefaultMouseCapacity,
		keyCap:   telemetry.DefaultKeyCapacity,
		sink:     sink.Nop{},
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logging.Default()
	}
	l.log = l.log.WithComponent("session")
	if l.metrics == nil {
		l.metrics = metrics.NewTelemetryMetrics(metrics.NewRegistry("kinetrace", ""))
	}
	return l
}

// Start begins capturing. Starting a session that is already capturing
// resets it: a session start never inherits earlier timing data.
func (l *Lifecycle) Start() {
	l.mu.Lock()
	if l.phase == Capturing {
		prev := l.resetLocked("start")
		id := l.id
		l.mu.Unlock()
		l.auditErr(l.audit.LogSessionReset(context.Background(), prev, id, "start"))
		return
	}

	l.phase = Capturing
	l.freshStateLocked()
	l.metrics.Capturing.SetBool(true)
	id, mouseCap, keyCap := l.id, l.mouseCap, l.keyCap
	l.mu.Unlock()

	l.log.Debug("session started", "session_id", id)
	l.auditErr(l.audit.LogSessionStart(context.Background(), id, map[string]any{
		"mouse_capacity": mouseCap,
		"key_capacity":   keyCap,
	}))
}

func (l *Lifecycle) auditErr(err error) {
	if err != nil {
		l.log.Warn("audit write failed", "error", err)
	}
}

// freshStateLocked installs empty state and a new identity.
func (l *Lifecycle) freshStateLocked() {
	if l.state == nil || l.stateMouseCap != l.mouseCap || l.stateKeyCap != l.keyCap {
		l.state = telemetry.NewState(
			telemetry.WithMouseCapacity(l.mouseCap),
			telemetry.WithKeyCapacity(l.keyCap),
		)
		l.stateMouseCap, l.stateKeyCap = l.mouseCap, l.keyCap
	} else {
		l.state.Reset()
	}
	l.id = l.newID()
	l.startedAt = l.now()
	l.events = 0
	l.dropped = 0
	l.updateGaugesLocked()
}

// Reset clears all samples and pending keys and starts a new session id.
func (l *Lifecycle) Reset() error {
	l.mu.Lock()
	if l.phase != Capturing {
		l.mu.Unlock()
		return ErrNotCapturing
	}
	prev := l.resetLocked("reset")
	id := l.id
	l.mu.Unlock()

	l.auditErr(l.audit.LogSessionReset(context.Background(), prev, id, "reset"))
	return nil
}

// resetLocked replaces the session and returns the previous id.
func (l *Lifecycle) resetLocked(reason string) string {
	prev := l.id
	l.freshStateLocked()
	l.metrics.SessionResetsTotal.Inc()
	l.log.Debug("session reset", "reason", reason, "previous_session_id", prev, "session_id", l.id)
	return prev
}

// SetCapacities changes buffer capacities from the next Start or Reset on.
func (l *Lifecycle) SetCapacities(mouse, key int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	WithCapacities(mouse, key)(l)
}

// Teardown detaches every attached source, discards session state and
// returns to Idle. It is idempotent and safe to defer on every exit path.
// Once it returns, no event can mutate state.
func (l *Lifecycle) Teardown() error {
	l.mu.Lock()
	subs := make([]*Subscription, 0, len(l.subs))
	for s := range l.subs {
		s.detached = true
		subs = append(subs, s)
	}
	clear(l.subs)

	wasCapturing := l.phase == Capturing
	id, events := l.id, l.events
	l.phase = Idle
	l.state = nil
	l.id = ""
	l.startedAt = time.Time{}
	l.events, l.dropped = 0, 0
	l.metrics.Capturing.SetBool(false)
	l.metrics.SetBuffers(0, 0, 0)
	l.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	if wasCapturing {
		l.log.Debug("session torn down", "detached", len(subs))
		l.auditErr(l.audit.LogSessionEnd(context.Background(), id, map[string]any{
			"events":           events,
			"detached_sources": len(subs),
		}))
	}
	return nil
}

// Dispatch applies one event synchronously. Malformed events are dropped
// and reported with an error wrapping input.ErrMalformed; events arriving
// while idle are dropped with ErrNotCapturing. Unmatched key events are
// not errors.
func (l *Lifecycle) Dispatch(ev input.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dispatchLocked(ev)
}

func (l *Lifecycle) dispatchLocked(ev input.Event) error {
	l.metrics.EventsTotal.Inc()

	if l.phase != Capturing {
		l.metrics.EventsDroppedTotal.Inc()
		return ErrNotCapturing
	}
	if err := ev.Validate(); err != nil {
		l.dropped++
		l.metrics.EventsDroppedTotal.Inc()
		l.log.Debug("dropped event", "kind", string(ev.Kind), "error", err)
		return err
	}

	l.events++
	switch ev.Kind {
	case input.KindMove:
		telemetry.TrackMove(l.state, ev.X, ev.Y, ev.Timestamp)
		l.metrics.MouseSamplesTotal.Inc()
	case input.KindKeyDown:
		telemetry.TrackKeyDown(l.state, ev.Key, ev.Timestamp)
	case input.KindKeyUp:
		if sample, ok := telemetry.TrackKeyUp(l.state, ev.Key, ev.Timestamp); ok {
			l.metrics.KeySamplesTotal.Inc()
			l.metrics.DwellTime.Observe(float64(sample.DwellTime))
		}
	}
	l.updateGaugesLocked()
	return nil
}

func (l *Lifecycle) updateGaugesLocked() {
	if l.state == nil {
		l.metrics.SetBuffers(0, 0, 0)
		return
	}
	st := l.state.Stats()
	l.metrics.SetBuffers(st.MouseSamples, st.KeySamples, st.PendingKeys)
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// SessionID returns the current session id, or "" while idle.
func (l *Lifecycle) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// Position returns the latest pointer position. It is the zero position
// while idle or before the first move.
func (l *Lifecycle) Position() telemetry.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == nil {
		return telemetry.Position{}
	}
	return l.state.Position()
}

// Summary aggregates the current session. All values are zero while idle.
func (l *Lifecycle) Summary() telemetry.Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summaryLocked()
}

func (l *Lifecycle) summaryLocked() telemetry.Summary {
	if l.state == nil {
		return telemetry.Summary{}
	}
	return telemetry.Summarize(l.state)
}

// Record returns the current summary in submission form.
func (l *Lifecycle) Record() telemetry.Record {
	return l.Summary().Record()
}

// Status describes the lifecycle for diagnostics.
type Status struct {
	SessionID     string             `json:"session_id,omitempty"`
	Phase         string             `json:"phase"`
	StartedAt     time.Time          `json:"started_at,omitempty"`
	Duration      time.Duration      `json:"duration"`
	Events        uint64             `json:"events"`
	Dropped       uint64             `json:"dropped"`
	Subscriptions int                `json:"subscriptions"`
	Buffers       telemetry.Stats    `json:"buffers"`
	Position      telemetry.Position `json:"position"`
}

// Status returns a snapshot of the lifecycle.
func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		SessionID:     l.id,
		Phase:         l.phase.String(),
		StartedAt:     l.startedAt,
		Events:        l.events,
		Dropped:       l.dropped,
		Subscriptions: len(l.subs),
	}
	if l.state != nil {
		st.Buffers = l.state.Stats()
		st.Position = l.state.Position()
		st.Duration = l.now().Sub(l.startedAt)
	}
	return st
}

// Submit hands the current record to the sink. On success the session is
// reset; on failure its state is kept so the caller can retry.
//
// The sink runs without the lifecycle lock held, so event handling never
// waits on sink I/O. Events that arrive while the sink is working belong
// to the submitted session and are cleared with it.
func (l *Lifecycle) Submit(ctx context.Context) (sink.Submission, error) {
	l.mu.Lock()
	if l.phase != Capturing {
		l.mu.Unlock()
		return sink.Submission{}, ErrNotCapturing
	}
	sub := sink.Submission{
		SessionID:   l.id,
		SubmittedAt: l.now(),
		Record:      l.summaryLocked().Record(),
	}
	dst := l.sink
	l.mu.Unlock()

	ctx, span := l.tracer.Start(ctx, "session.submit", tracing.WithAttribute("session_id", sub.SessionID))
	defer span.End()

	start := time.Now()
	err := dst.Submit(ctx, sub)
	l.metrics.RecordSubmission(time.Since(start), err)
	l.auditErr(l.audit.LogSubmission(ctx, sub.SessionID, err, map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
	}))
	if err != nil {
		span.RecordError(err)
		l.log.Warn("submission failed", "session_id", sub.SessionID, "error", err)
		return sub, fmt.Errorf("submit session %s: %w", sub.SessionID, err)
	}

	l.mu.Lock()
	// A concurrent Reset or Teardown already replaced this session.
	reset := l.phase == Capturing && l.id == sub.SessionID
	var next string
	if reset {
		l.resetLocked("submitted")
		next = l.id
	}
	l.mu.Unlock()

	span.SetAttribute("reset", reset)
	span.SetStatus(tracing.StatusOK, "")
	if reset {
		l.auditErr(l.audit.LogSessionReset(ctx, sub.SessionID, next, "submitted"))
	}

	l.log.Info("session submitted",
		"session_id", sub.SessionID,
		"mouse_average_velocity", sub.Record.MouseAverageVelocity,
		"average_typing_speed", sub.Record.AverageTypingSpeed,
	)
	return sub, nil
}
