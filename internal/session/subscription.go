package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"kinetrace/internal/input"
)

// errDetached stops a source whose subscription was closed.
var errDetached = errors.New("session: subscription detached")

// Subscription is the handle for an attached event source. Close it (or
// tear the lifecycle down) to stop delivery.
type Subscription struct {
	l      *Lifecycle
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by l.mu
	detached bool

	errMu sync.Mutex
	err   error
}

// Attach starts streaming src into the session on its own goroutine.
// Every event is applied under the lifecycle lock, one at a time.
// Malformed events are dropped and streaming continues.
//
// The stream ends when the source is exhausted, ctx is cancelled, the
// subscription is closed, or the lifecycle is torn down.
func (l *Lifecycle) Attach(ctx context.Context, src input.Source) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase != Capturing {
		return nil, ErrNotCapturing
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		l:      l,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.subs[s] = struct{}{}

	go s.run(subCtx, src)
	return s, nil
}

func (s *Subscription) run(ctx context.Context, src input.Source) {
	defer close(s.done)
	defer s.cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.l.log.Error("event source panicked", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("session: event source panicked: %v", r)
			}
		}()
		return src.Stream(ctx, s.emit)
	}()

	s.l.mu.Lock()
	detached := s.detached
	s.detached = true
	delete(s.l.subs, s)
	s.l.mu.Unlock()

	if errors.Is(err, errDetached) || (detached && errors.Is(err, context.Canceled)) {
		err = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.l.log.Warn("event source failed", "error", err)
	}

	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

func (s *Subscription) emit(ev input.Event) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()

	if s.detached {
		return errDetached
	}
	err := s.l.dispatchLocked(ev)
	if errors.Is(err, input.ErrMalformed) {
		return nil
	}
	return err
}

// Close detaches the subscription. After Close returns no further event
// from this source is applied. It does not wait for a source blocked in
// a read; use Done for that. Close is idempotent.
func (s *Subscription) Close() error {
	s.l.mu.Lock()
	s.detached = true
	delete(s.l.subs, s)
	s.l.mu.Unlock()

	s.cancel()
	return nil
}

// Done is closed when the source goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the stream, or nil for a normal end or
// a detach. It is only meaningful after Done is closed.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
