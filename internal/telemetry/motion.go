package telemetry

import "math"

// TrackMove derives a MouseSample for a pointer move and appends it.
//
// The first move of a session has zero velocity, acceleration and distance.
// A non-positive time delta (duplicate or reordered timestamps) yields zero
// derivatives; the distance still accumulates.
func TrackMove(s *State, x, y float64, ts int64) MouseSample {
	sample := MouseSample{X: x, Y: y, Timestamp: ts}

	if s.hasLastMouse {
		prev := s.lastMouse
		dt := ts - prev.Timestamp
		distance := math.Hypot(x-prev.X, y-prev.Y)

		if dt > 0 {
			sample.Velocity = distance / float64(dt) * 1000
			sample.Acceleration = (sample.Velocity - prev.Velocity) / float64(dt) * 1000
		}
		sample.CumulativeDistance = prev.CumulativeDistance + distance
	}

	s.lastMouse = sample
	s.hasLastMouse = true
	s.mouse.Append(sample)
	s.position = Position{X: x, Y: y}

	return sample
}
