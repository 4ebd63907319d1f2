package telemetry

// TrackKeyDown records the start of a key press.
// It returns false when the key is already held (auto-repeat); the original
// start time is kept.
func TrackKeyDown(s *State, key string, ts int64) bool {
	if _, held := s.pending[key]; held {
		return false
	}
	s.pending[key] = ts
	return true
}

// TrackKeyUp pairs a key release with its pending key-down.
// A release without a pending press is ignored and returns false.
func TrackKeyUp(s *State, key string, ts int64) (KeySample, bool) {
	start, ok := s.pending[key]
	if !ok {
		return KeySample{}, false
	}

	sample := KeySample{
		Key:       key,
		Timestamp: ts,
		DwellTime: ts - start,
	}
	if s.hasLastKeyUp {
		sample.FlightTime = start - s.lastKeyUp
	}

	delete(s.pending, key)
	s.keys.Append(sample)
	s.lastKeyUp = ts
	s.hasLastKeyUp = true

	return sample, true
}
