package metrics

import (
	"time"
)

// TelemetryMetrics holds the capture engine's metrics.
type TelemetryMetrics struct {
	EventsTotal           *Counter
	EventsDroppedTotal    *Counter
	MouseSamplesTotal     *Counter
	KeySamplesTotal       *Counter
	SubmissionsTotal      *Counter
	SubmissionErrorsTotal *Counter
	SessionResetsTotal    *Counter

	Capturing      *Gauge
	MouseBufferLen *Gauge
	KeyBufferLen   *Gauge
	PendingKeys    *Gauge

	SubmitDuration *Histogram
	DwellTime      *Histogram
}

// NewTelemetryMetrics creates and registers the capture metrics.
// A nil registry uses Default().
func NewTelemetryMetrics(registry *Registry) *TelemetryMetrics {
	if registry == nil {
		registry = Default()
	}

	return &TelemetryMetrics{
		EventsTotal: registry.RegisterCounter(
			"events_total",
			"Total number of input events received",
			nil,
		),
		EventsDroppedTotal: registry.RegisterCounter(
			"events_dropped_total",
			"Input events dropped as malformed or outside a session",
			nil,
		),
		MouseSamplesTotal: registry.RegisterCounter(
			"mouse_samples_total",
			"Total number of mouse samples recorded",
			nil,
		),
		KeySamplesTotal: registry.RegisterCounter(
			"key_samples_total",
			"Total number of completed keystrokes recorded",
			nil,
		),
		SubmissionsTotal: registry.RegisterCounter(
			"submissions_total",
			"Total number of successful submissions",
			nil,
		),
		SubmissionErrorsTotal: registry.RegisterCounter(
			"submission_errors_total",
			"Total number of failed submissions",
			nil,
		),
		SessionResetsTotal: registry.RegisterCounter(
			"session_resets_total",
			"Total number of session resets",
			nil,
		),

		Capturing: registry.RegisterGauge(
			"capturing",
			"1 while a session is capturing",
			nil,
		),
		MouseBufferLen: registry.RegisterGauge(
			"mouse_buffer_len",
			"Mouse samples currently retained",
			nil,
		),
		KeyBufferLen: registry.RegisterGauge(
			"key_buffer_len",
			"Key samples currently retained",
			nil,
		),
		PendingKeys: registry.RegisterGauge(
			"pending_keys",
			"Keys currently held down",
			nil,
		),

		SubmitDuration: registry.RegisterHistogram(
			"submit_duration_seconds",
			"Duration of sink submissions in seconds",
			nil,
			DurationBuckets,
		),
		DwellTime: registry.RegisterHistogram(
			"dwell_time_ms",
			"Key dwell times in milliseconds",
			nil,
			DwellBuckets,
		),
	}
}

// SetBuffers updates the occupancy gauges.
func (m *TelemetryMetrics) SetBuffers(mouse, keys, pending int) {
	m.MouseBufferLen.Set(int64(mouse))
	m.KeyBufferLen.Set(int64(keys))
	m.PendingKeys.Set(int64(pending))
}

// RecordSubmission records a sink submission.
func (m *TelemetryMetrics) RecordSubmission(d time.Duration, err error) {
	m.SubmitDuration.ObserveDuration(d)
	if err != nil {
		m.SubmissionErrorsTotal.Inc()
		return
	}
	m.SubmissionsTotal.Inc()
}
