package telemetry

import (
	"kinetrace/internal/ringbuf"
)

// State owns everything the trackers mutate during one session.
type State struct {
	mouse *ringbuf.RingBuffer[MouseSample]
	keys  *ringbuf.RingBuffer[KeySample]

	lastMouse    MouseSample
	hasLastMouse bool

	// pending maps a key to its key-down timestamp until the matching key-up.
	pending map[string]int64

	lastKeyUp    int64
	hasLastKeyUp bool

	position Position
}

// Option configures a State.
type Option func(*stateOptions)

type stateOptions struct {
	mouseCapacity int
	keyCapacity   int
}

// WithMouseCapacity sets the mouse sample buffer capacity.
func WithMouseCapacity(n int) Option {
	return func(o *stateOptions) {
		if n > 0 {
			o.mouseCapacity = n
		}
	}
}

// WithKeyCapacity sets the key sample buffer capacity.
func WithKeyCapacity(n int) Option {
	return func(o *stateOptions) {
		if n > 0 {
			o.keyCapacity = n
		}
	}
}

// NewState creates an empty session state.
func NewState(opts ...Option) *State {
	o := stateOptions{
		mouseCapacity: DefaultMouseCapacity,
		keyCapacity:   DefaultKeyCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &State{
		mouse:   ringbuf.New[MouseSample](o.mouseCapacity),
		keys:    ringbuf.New[KeySample](o.keyCapacity),
		pending: make(map[string]int64),
	}
}

// Reset discards all samples and pending state.
func (s *State) Reset() {
	s.mouse.Clear()
	s.keys.Clear()
	s.lastMouse = MouseSample{}
	s.hasLastMouse = false
	clear(s.pending)
	s.lastKeyUp = 0
	s.hasLastKeyUp = false
	s.position = Position{}
}

// MouseSamples returns the retained mouse samples in arrival order.
func (s *State) MouseSamples() []MouseSample {
	return s.mouse.Items()
}

// KeySamples returns the retained key samples in arrival order.
func (s *State) KeySamples() []KeySample {
	return s.keys.Items()
}

// LastMouse returns the most recent mouse sample of the session.
func (s *State) LastMouse() (MouseSample, bool) {
	return s.lastMouse, s.hasLastMouse
}

// Position returns the current pointer position.
func (s *State) Position() Position {
	return s.position
}

// PendingKeys returns the number of keys currently held down.
func (s *State) PendingKeys() int {
	return len(s.pending)
}

// IsPending reports whether key has an unmatched key-down.
func (s *State) IsPending(key string) (int64, bool) {
	ts, ok := s.pending[key]
	return ts, ok
}

// Stats describes buffer occupancy.
type Stats struct {
	MouseSamples  int   `json:"mouse_samples"`
	MouseCapacity int   `json:"mouse_capacity"`
	MouseEvicted  int64 `json:"mouse_evicted"`
	KeySamples    int   `json:"key_samples"`
	KeyCapacity   int   `json:"key_capacity"`
	KeyEvicted    int64 `json:"key_evicted"`
	PendingKeys   int   `json:"pending_keys"`
}

// Stats returns buffer occupancy counters.
func (s *State) Stats() Stats {
	return Stats{
		MouseSamples:  s.mouse.Len(),
		MouseCapacity: s.mouse.Cap(),
		MouseEvicted:  s.mouse.Evicted(),
		KeySamples:    s.keys.Len(),
		KeyCapacity:   s.keys.Cap(),
		KeyEvicted:    s.keys.Evicted(),
		PendingKeys:   len(s.pending),
	}
}
