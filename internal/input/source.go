package input

import (
	"context"
	"errors"
	"io"
)

// Source delivers events to emit until it is exhausted, ctx is cancelled,
// or emit returns an error. Stream returns nil on normal exhaustion.
type Source interface {
	Stream(ctx context.Context, emit func(Event) error) error
}

// SourceFunc adapts a function literal to the Source interface.
type SourceFunc func(ctx context.Context, emit func(Event) error) error

// Stream calls the underlying function.
func (f SourceFunc) Stream(ctx context.Context, emit func(Event) error) error {
	return f(ctx, emit)
}

// SliceSource replays a fixed list of events in order.
type SliceSource []Event

// Stream emits every event in the slice.
func (s SliceSource) Stream(ctx context.Context, emit func(Event) error) error {
	for _, e := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

// ReaderSource streams newline-delimited JSON events from a reader.
type ReaderSource struct {
	r io.Reader

	// OnDrop, if set, is called for every malformed line.
	OnDrop func(line int, err error)
}

// NewReaderSource creates a source over r.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// Stream decodes r until EOF.
//
// A blocked read (for example on stdin) is not interrupted by ctx; events
// read after cancellation are discarded and the stream ends.
func (s *ReaderSource) Stream(ctx context.Context, emit func(Event) error) error {
	dec := NewDecoder(s.r)
	if s.OnDrop != nil {
		dec.OnDrop(s.OnDrop)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(e); err != nil {
			return err
		}
	}
}
