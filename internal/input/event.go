// Package input defines the inbound event boundary.
//
// Events arrive as {kind, x, y, key, timestamp} records, usually as JSON from
// a browser or a recorded session file. Malformed events (unknown kind,
// missing coordinates, missing key, missing timestamp) are dropped here so
// the trackers only ever see well-formed input. Dropping is never an error
// for the stream as a whole.
package input

import (
	"errors"
	"fmt"
	"math"
)

// Kind identifies the type of an input event.
type Kind string

// Event kinds.
const (
	KindMove    Kind = "move"
	KindKeyDown Kind = "keydown"
	KindKeyUp   Kind = "keyup"
)

// ErrMalformed is returned for events missing required fields.
var ErrMalformed = errors.New("input: malformed event")

// MaxTimestamp bounds |Timestamp|. Every value in range is exact as a JSON
// number, and differences of two in-range timestamps cannot overflow.
const MaxTimestamp = 1 << 53

// Event is a single pointer or keyboard event. Timestamp is in milliseconds.
type Event struct {
	Kind      Kind
	X, Y      float64
	Key       string
	Timestamp int64
}

// Move returns a pointer-move event.
func Move(x, y float64, ts int64) Event {
	return Event{Kind: KindMove, X: x, Y: y, Timestamp: ts}
}

// KeyDown returns a key-press event.
func KeyDown(key string, ts int64) Event {
	return Event{Kind: KindKeyDown, Key: key, Timestamp: ts}
}

// KeyUp returns a key-release event.
func KeyUp(key string, ts int64) Event {
	return Event{Kind: KindKeyUp, Key: key, Timestamp: ts}
}

// Validate reports whether e can be handed to a tracker.
func (e Event) Validate() error {
	if e.Timestamp > MaxTimestamp || e.Timestamp < -MaxTimestamp {
		return fmt.Errorf("%w: timestamp %d out of range", ErrMalformed, e.Timestamp)
	}
	switch e.Kind {
	case KindMove:
		if !finite(e.X) || !finite(e.Y) {
			return fmt.Errorf("%w: non-finite coordinates", ErrMalformed)
		}
	case KindKeyDown, KindKeyUp:
		if e.Key == "" {
			return fmt.Errorf("%w: missing key", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	return nil
}

func (e Event) String() string {
	if e.Kind == KindMove {
		return fmt.Sprintf("move(%g,%g)@%d", e.X, e.Y, e.Timestamp)
	}
	return fmt.Sprintf("%s(%q)@%d", e.Kind, e.Key, e.Timestamp)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
