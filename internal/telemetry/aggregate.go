package telemetry

import (
	"math"
	"strconv"
	"strings"
)

// charsPerWordFactor scales keystrokes per second into an approximate
// words-per-minute figure (60 seconds / 5 characters per word).
// It is a heuristic, not a calibrated WPM measure.
const charsPerWordFactor = 12

// Summary is the numeric reduction of a session's buffers.
type Summary struct {
	AverageVelocity     float64 `json:"average_velocity"`
	AverageAcceleration float64 `json:"average_acceleration"`
	TotalMovement       float64 `json:"total_movement"`
	AverageDwellTime    float64 `json:"average_dwell_time"`
	TypingSpeed         float64 `json:"typing_speed"`
}

// AverageVelocity returns the mean absolute velocity of the retained mouse
// samples, or 0 when there are none.
func AverageVelocity(s *State) float64 {
	if s.mouse.Len() == 0 {
		return 0
	}
	var sum float64
	s.mouse.Each(func(m MouseSample) { sum += math.Abs(m.Velocity) })
	return sum / float64(s.mouse.Len())
}

// AverageAcceleration returns the mean absolute acceleration of the retained
// mouse samples, or 0 when there are none.
func AverageAcceleration(s *State) float64 {
	if s.mouse.Len() == 0 {
		return 0
	}
	var sum float64
	s.mouse.Each(func(m MouseSample) { sum += math.Abs(m.Acceleration) })
	return sum / float64(s.mouse.Len())
}

// TotalMovement returns the cumulative distance of the newest mouse sample.
func TotalMovement(s *State) float64 {
	last, ok := s.mouse.Last()
	if !ok {
		return 0
	}
	return last.CumulativeDistance
}

// AverageDwellTime returns the mean dwell time of the retained key samples.
func AverageDwellTime(s *State) float64 {
	if s.keys.Len() == 0 {
		return 0
	}
	var sum int64
	s.keys.Each(func(k KeySample) { sum += k.DwellTime })
	return float64(sum) / float64(s.keys.Len())
}

// TypingSpeed approximates words per minute as
// count / elapsedSeconds * 12, where the elapsed span runs from the press of
// the oldest retained key sample to the release of the newest one.
// Fewer than two samples, or a span that is not positive, yields 0.
func TypingSpeed(s *State) float64 {
	count := s.keys.Len()
	if count < 2 {
		return 0
	}
	first, _ := s.keys.First()
	last, _ := s.keys.Last()

	elapsed := float64(last.Timestamp-first.PressedAt()) / 1000
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed * charsPerWordFactor
}

// PressedAt returns the key-down time of the sample.
func (k KeySample) PressedAt() int64 {
	return k.Timestamp - k.DwellTime
}

// Summarize computes every aggregate over s. It does not modify s.
func Summarize(s *State) Summary {
	return Summary{
		AverageVelocity:     AverageVelocity(s),
		AverageAcceleration: AverageAcceleration(s),
		TotalMovement:       TotalMovement(s),
		AverageDwellTime:    AverageDwellTime(s),
		TypingSpeed:         TypingSpeed(s),
	}
}

// Record is the submission payload: each aggregate as a fixed-decimal string.
type Record struct {
	MouseAverageVelocity     string `json:"mouseAverageVelocity"`
	MouseAverageAcceleration string `json:"mouseAverageAcceleration"`
	MouseTotalMovement       string `json:"mouseTotalMovement"`
	AverageDwellTime         string `json:"averageDwellTime"`
	AverageTypingSpeed       string `json:"averageTypingSpeed"`
}

// RecordFields lists the record field names in column order.
func RecordFields() []string {
	return []string{
		"mouseAverageVelocity",
		"mouseAverageAcceleration",
		"mouseTotalMovement",
		"averageDwellTime",
		"averageTypingSpeed",
	}
}

// Values returns the record values in RecordFields order.
func (r Record) Values() []string {
	return []string{
		r.MouseAverageVelocity,
		r.MouseAverageAcceleration,
		r.MouseTotalMovement,
		r.AverageDwellTime,
		r.AverageTypingSpeed,
	}
}

// Record renders the summary with the submission precision:
// two decimals for motion values, one for dwell time and typing speed.
func (s Summary) Record() Record {
	return Record{
		MouseAverageVelocity:     formatFixed(s.AverageVelocity, 2),
		MouseAverageAcceleration: formatFixed(s.AverageAcceleration, 2),
		MouseTotalMovement:       formatFixed(s.TotalMovement, 2),
		AverageDwellTime:         formatFixed(s.AverageDwellTime, 1),
		AverageTypingSpeed:       formatFixed(s.TypingSpeed, 1),
	}
}

// formatFixed formats v with prec decimals, folding "-0.00" into "0.00".
func formatFixed(v float64, prec int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	out := strconv.FormatFloat(v, 'f', prec, 64)
	if strings.HasPrefix(out, "-") && strings.Trim(out, "-0.") == "" {
		out = out[1:]
	}
	return out
}
