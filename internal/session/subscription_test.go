package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinetrace/internal/input"
	"kinetrace/internal/telemetry"
)

func waitDone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not finish")
	}
}

// chanSource emits whatever arrives on events and reports each emit result.
func chanSource(events <-chan input.Event, results chan<- error) input.Source {
	return input.SourceFunc(func(ctx context.Context, emit func(input.Event) error) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				err := emit(ev)
				results <- err
				if err != nil {
					return err
				}
			}
		}
	})
}

func TestAttachRequiresCapture(t *testing.T) {
	l, _ := newTestLifecycle(t)
	_, err := l.Attach(context.Background(), input.SliceSource{})
	assert.ErrorIs(t, err, ErrNotCapturing)
}

func TestAttachStreamsSource(t *testing.T) {
	l, _ := newTestLifecycle(t)
	l.Start()

	events := append(append([]input.Event{}, scenarioA...), scenarioB...)
	// malformed events in the middle do not end the stream
	events = append(events[:2:2], append([]input.Event{{Kind: input.KindKeyUp}}, events[2:]...)...)

	sub, err := l.Attach(context.Background(), input.SliceSource(events))
	require.NoError(t, err)
	waitDone(t, sub)

	assert.NoError(t, sub.Err())
	assert.Equal(t, "184.6", l.Record().AverageTypingSpeed)
	assert.Equal(t, "50.00", l.Record().MouseAverageVelocity)

	st := l.Status()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 0, st.Subscriptions)
}

func TestCloseStopsDelivery(t *testing.T) {
	l, _ := newTestLifecycle(t)
	l.Start()

	events := make(chan input.Event)
	results := make(chan error, 4)
	sub, err := l.Attach(context.Background(), chanSource(events, results))
	require.NoError(t, err)

	events <- input.Move(10, 10, 100)
	require.NoError(t, <-results)
	assert.Equal(t, 1, l.Status().Subscriptions)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, l.Status().Subscriptions)
	before := l.Position()

	// The source may still be running; anything it emits now is refused.
	select {
	case events <- input.Move(99, 99, 200):
		assert.ErrorIs(t, <-results, errDetached)
	case <-sub.Done():
	}
	waitDone(t, sub)

	assert.NoError(t, sub.Err())
	assert.Equal(t, before, l.Position())
	assert.Equal(t, 1, l.Status().Buffers.MouseSamples)
}

func TestTeardownDetachesSources(t *testing.T) {
	l, _ := newTestLifecycle(t)
	l.Start()

	events := make(chan input.Event)
	results := make(chan error, 4)
	sub, err := l.Attach(context.Background(), chanSource(events, results))
	require.NoError(t, err)

	events <- input.KeyDown("a", 1)
	require.NoError(t, <-results)

	require.NoError(t, l.Teardown())

	// Restart so that a leaked event would have state to land in.
	l.Start()
	select {
	case events <- input.Move(5, 5, 10):
		assert.ErrorIs(t, <-results, errDetached)
	case <-sub.Done():
	}
	waitDone(t, sub)

	assert.NoError(t, sub.Err())
	assert.Equal(t, 0, l.Status().Buffers.MouseSamples)
	assert.Equal(t, 0, l.Status().Buffers.PendingKeys)
}

func TestParentContextCancellation(t *testing.T) {
	l, _ := newTestLifecycle(t)
	l.Start()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := l.Attach(ctx, chanSource(make(chan input.Event), make(chan error, 1)))
	require.NoError(t, err)

	cancel()
	waitDone(t, sub)
	assert.ErrorIs(t, sub.Err(), context.Canceled)
	assert.Equal(t, 0, l.Status().Subscriptions)
}

func TestSourceErrorIsReported(t *testing.T) {
	l, _ := newTestLifecycle(t)
	l.Start()

	boom := errors.New("read failed")
	sub, err := l.Attach(context.Background(), input.SourceFunc(func(ctx context.Context, emit func(input.Event) error) error {
		if err := emit(input.Move(1, 2, 3)); err != nil {
			return err
		}
		return boom
	}))
	require.NoError(t, err)
	waitDone(t, sub)

	assert.ErrorIs(t, sub.Err(), boom)
	assert.Equal(t, telemetry.Position{X: 1, Y: 2}, l.Position())
}

func TestPanickingSourceIsRecovered(t *testing.T) {
	l, _ := newTestLifecycle(t)
	l.Start()

	sub, err := l.Attach(context.Background(), input.SourceFunc(func(context.Context, func(input.Event) error) error {
		panic("driver crashed")
	}))
	require.NoError(t, err)
	waitDone(t, sub)

	require.Error(t, sub.Err())
	assert.Contains(t, sub.Err().Error(), "driver crashed")
	assert.Equal(t, Capturing, l.Phase())
}
