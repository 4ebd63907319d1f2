package watcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"kinetrace/internal/input"
)

// Source is an input.Source that streams events appended to the spool
// directory until ctx is cancelled.
type Source struct {
	dir    string
	settle time.Duration

	// OnDrop, if set, is called for every malformed line.
	OnDrop func(path string, line int, err error)

	// OnError, if set, receives watch and read errors. They do not stop
	// the stream.
	OnError func(error)
}

var _ input.Source = (*Source)(nil)

// NewSource creates a spool source over dir.
func NewSource(dir string, settle time.Duration) *Source {
	return &Source{dir: dir, settle: settle}
}

// Stream watches the directory and emits decoded events. It returns
// ctx.Err() on cancellation, or the first error from emit.
func (s *Source) Stream(ctx context.Context, emit func(input.Event) error) error {
	w, err := New(s.dir, s.settle)
	if err != nil {
		return err
	}
	defer w.Stop()

	if err := w.Start(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err, ok := <-w.Errors():
			if ok && s.OnError != nil {
				s.OnError(err)
			}

		case u, ok := <-w.Updates():
			if !ok {
				return nil
			}
			if err := s.emitUpdate(ctx, u, emit); err != nil {
				return err
			}
		}
	}
}

func (s *Source) emitUpdate(ctx context.Context, u Update, emit func(input.Event) error) error {
	dec := input.NewDecoder(bytes.NewReader(u.Data))
	if s.OnDrop != nil {
		dec.OnDrop(func(line int, err error) { s.OnDrop(u.Path, line, err) })
	}

	for {
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
