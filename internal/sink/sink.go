// Package sink persists submitted session records.
//
// A Sink receives one Submission per successful submit: the session's
// summary record plus the session id and submission time. Sinks are the
// outbound boundary of the engine; the record values themselves are never
// altered here.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"kinetrace/internal/telemetry"
)

// Errors returned by sinks.
var (
	ErrClosed      = errors.New("sink: closed")
	ErrUnknownSink = errors.New("sink: unknown type")
)

// Submission is one persisted session summary.
type Submission struct {
	SessionID   string           `json:"sessionId"`
	SubmittedAt time.Time        `json:"submittedAt"`
	Record      telemetry.Record `json:"record"`
}

// Fields returns the column names used by tabular sinks.
func Fields() []string {
	return append([]string{"sessionId", "submittedAt"}, telemetry.RecordFields()...)
}

// Values returns the submission as a row matching Fields.
func (s Submission) Values() []string {
	return append([]string{s.SessionID, s.SubmittedAt.UTC().Format(time.RFC3339Nano)}, s.Record.Values()...)
}

// Sink accepts submissions.
type Sink interface {
	Submit(ctx context.Context, sub Submission) error
	Close() error
}

// Nop discards every submission.
type Nop struct{}

// Submit implements Sink.
func (Nop) Submit(context.Context, Submission) error { return nil }

// Close implements Sink.
func (Nop) Close() error { return nil }

// MemorySink keeps submissions in process.
type MemorySink struct {
	mu     sync.Mutex
	subs   []Submission
	closed bool

	// FailWith, when set, makes Submit return it without storing.
	FailWith error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Submit implements Sink.
func (m *MemorySink) Submit(ctx context.Context, sub Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.FailWith != nil {
		return m.FailWith
	}
	m.subs = append(m.subs, sub)
	return nil
}

// Submissions returns a copy of everything stored so far.
func (m *MemorySink) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Submission(nil), m.subs...)
}

// SetFailure sets or clears the injected failure.
func (m *MemorySink) SetFailure(err error) {
	m.mu.Lock()
	m.FailWith = err
	m.mu.Unlock()
}

// Close implements Sink.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
