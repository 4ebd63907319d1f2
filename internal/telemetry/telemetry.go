// Package telemetry derives kinematic and timing features from pointer and
// keyboard events and reduces them to a summary.
//
// All mutable tracker state lives in a State value. The tracking functions
// (TrackMove, TrackKeyDown, TrackKeyUp) update it in place; the aggregation
// functions only read it. Nothing in this package blocks, logs, or performs
// I/O. Callers serialize access to a State.
//
// Timestamps are integer milliseconds. Velocity is in pixels per second and
// acceleration in pixels per second squared.
package telemetry

// Default buffer capacities.
const (
	DefaultMouseCapacity = 1000
	DefaultKeyCapacity   = 150
)

// MouseSample is one derived motion record, produced once per move event.
type MouseSample struct {
	X                  float64 `json:"x"`
	Y                  float64 `json:"y"`
	Timestamp          int64   `json:"timestamp"`
	Velocity           float64 `json:"velocity"`
	Acceleration       float64 `json:"acceleration"`
	CumulativeDistance float64 `json:"cumulativeDistance"`
}

// KeySample is one matched key-down/key-up pair.
// Timestamp is the key-up time. DwellTime and FlightTime are not clamped:
// out-of-order input surfaces as negative values.
type KeySample struct {
	Key        string `json:"key"`
	Timestamp  int64  `json:"timestamp"`
	DwellTime  int64  `json:"dwellTime"`
	FlightTime int64  `json:"flightTime"`
}

// Position is the most recent pointer location.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
