// Package metrics provides Prometheus-compatible metrics for shelfd.
package metrics

import (
	"time"
)

// ShelfdMetrics holds all shelfd-specific metrics.
type ShelfdMetrics struct {
	registry *Registry

	// Counters
	SamplesTotal             *Counter
	GesturesTotal            *Counter
	ShakesTotal              *Counter
	DragsTotal               *Counter
	DropsTotal               *Counter
	ShelvesCreatedTotal      *Counter
	EventsDroppedTotal       *Counter
	TransitionsRejectedTotal *Counter
	ErrorsTotal              *Counter

	// Gauges
	ActiveShelves    *Gauge
	DragActive       *Gauge
	BridgeQueueDepth *Gauge
	UptimeSeconds    *Gauge

	// Histograms
	GestureDispatchDuration    *Histogram
	DragDuration               *Histogram
	TrajectoryDirectionChanges *Histogram
	BridgePublishDuration      *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewShelfdMetrics creates and registers all shelfd metrics.
func NewShelfdMetrics(registry *Registry) *ShelfdMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &ShelfdMetrics{
		registry: registry,

		// Counters
		SamplesTotal: registry.RegisterCounter(
			"samples_total",
			"Total number of pointer samples processed",
			nil,
		),
		GesturesTotal: registry.RegisterCounter(
			"gestures_total",
			"Total number of gestures dispatched",
			nil,
		),
		ShakesTotal: registry.RegisterCounter(
			"shakes_total",
			"Total number of shake gestures detected",
			nil,
		),
		DragsTotal: registry.RegisterCounter(
			"drags_total",
			"Total number of drag sessions started",
			nil,
		),
		DropsTotal: registry.RegisterCounter(
			"drops_total",
			"Total number of completed drops",
			nil,
		),
		ShelvesCreatedTotal: registry.RegisterCounter(
			"shelves_created_total",
			"Total number of shelves created",
			nil,
		),
		EventsDroppedTotal: registry.RegisterCounter(
			"events_dropped_total",
			"Total number of events dropped from full queues",
			nil,
		),
		TransitionsRejectedTotal: registry.RegisterCounter(
			"transitions_rejected_total",
			"Total number of rejected state transitions",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		// Gauges
		ActiveShelves: registry.RegisterGauge(
			"active_shelves",
			"Number of currently visible shelves",
			nil,
		),
		DragActive: registry.RegisterGauge(
			"drag_active",
			"Whether a drag is currently in progress (0 or 1)",
			nil,
		),
		BridgeQueueDepth: registry.RegisterGauge(
			"bridge_queue_depth",
			"Number of events waiting in the bridge queue",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		// Histograms
		GestureDispatchDuration: registry.RegisterHistogram(
			"gesture_dispatch_seconds",
			"Time from gesture detection to subscriber delivery in seconds",
			nil,
			[]float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		),
		DragDuration: registry.RegisterHistogram(
			"drag_duration_seconds",
			"Duration of drag sessions in seconds",
			nil,
			[]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		),
		TrajectoryDirectionChanges: registry.RegisterHistogram(
			"trajectory_direction_changes",
			"Direction changes counted inside the shake detection window",
			nil,
			CountBuckets,
		),
		BridgePublishDuration: registry.RegisterHistogram(
			"bridge_publish_seconds",
			"Time spent publishing an event to the bridge in seconds",
			nil,
			[]float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		),
	}

	return m
}

// RecordSample records a processed pointer sample.
func (m *ShelfdMetrics) RecordSample() {
	m.SamplesTotal.Inc()
}

// RecordGesture records a dispatched gesture.
func (m *ShelfdMetrics) RecordGesture(dispatch time.Duration) {
	m.GesturesTotal.Inc()
	m.GestureDispatchDuration.ObserveDuration(dispatch)
}

// StartDispatchTimer returns a timer for gesture dispatch.
func (m *ShelfdMetrics) StartDispatchTimer() *HistogramTimer {
	return m.GestureDispatchDuration.Timer()
}

// RecordShake records a detected shake and the direction changes that
// triggered it.
func (m *ShelfdMetrics) RecordShake(directionChanges int) {
	m.ShakesTotal.Inc()
	m.TrajectoryDirectionChanges.Observe(float64(directionChanges))
}

// DragStarted records the start of a drag session.
func (m *ShelfdMetrics) DragStarted() {
	m.DragsTotal.Inc()
	m.DragActive.Set(1)
}

// DragEnded records the end of a drag session.
func (m *ShelfdMetrics) DragEnded(duration time.Duration) {
	m.DragActive.Set(0)
	m.DragDuration.ObserveDuration(duration)
}

// RecordDrop records a completed drop.
func (m *ShelfdMetrics) RecordDrop() {
	m.DropsTotal.Inc()
}

// ShelfCreated records a new shelf.
func (m *ShelfdMetrics) ShelfCreated() {
	m.ShelvesCreatedTotal.Inc()
	m.ActiveShelves.Inc()
}

// ShelfDestroyed records a destroyed shelf.
func (m *ShelfdMetrics) ShelfDestroyed() {
	m.ActiveShelves.Dec()
}

// RecordBridgePublish records the time spent publishing one event.
func (m *ShelfdMetrics) RecordBridgePublish(duration time.Duration) {
	m.BridgePublishDuration.ObserveDuration(duration)
}

// StartPublishTimer returns a timer for bridge publishes.
func (m *ShelfdMetrics) StartPublishTimer() *HistogramTimer {
	return m.BridgePublishDuration.Timer()
}

// RecordEventDropped records an event discarded from a full queue.
func (m *ShelfdMetrics) RecordEventDropped() {
	m.EventsDroppedTotal.Inc()
}

// RecordTransitionRejected records a rejected state machine transition.
func (m *ShelfdMetrics) RecordTransitionRejected() {
	m.TransitionsRejectedTotal.Inc()
}

// RecordError records an error.
func (m *ShelfdMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// SetBridgeQueueDepth sets the current bridge queue depth.
func (m *ShelfdMetrics) SetBridgeQueueDepth(depth int64) {
	m.BridgeQueueDepth.Set(depth)
}

// UpdateUptime updates the uptime metric.
func (m *ShelfdMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *ShelfdMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"samples_total":              m.SamplesTotal.Value(),
		"gestures_total":             m.GesturesTotal.Value(),
		"shakes_total":               m.ShakesTotal.Value(),
		"drags_total":                m.DragsTotal.Value(),
		"drops_total":                m.DropsTotal.Value(),
		"shelves_created_total":      m.ShelvesCreatedTotal.Value(),
		"events_dropped_total":       m.EventsDroppedTotal.Value(),
		"transitions_rejected_total": m.TransitionsRejectedTotal.Value(),
		"errors_total":               m.ErrorsTotal.Value(),
		"active_shelves":             m.ActiveShelves.Value(),
		"drag_active":                m.DragActive.Value(),
		"bridge_queue_depth":         m.BridgeQueueDepth.Value(),
		"uptime_seconds":             m.UptimeSeconds.Value(),
		"dispatch_avg_seconds":       m.GestureDispatchDuration.Mean(),
		"dispatch_p95_seconds":       m.GestureDispatchDuration.Percentile(95),
		"drag_avg_seconds":           m.DragDuration.Mean(),
	}
}

// Global shelfd metrics instance.
var defaultShelfdMetrics *ShelfdMetrics

// GetMetrics returns the global shelfd metrics instance.
func GetMetrics() *ShelfdMetrics {
	if defaultShelfdMetrics == nil {
		defaultShelfdMetrics = NewShelfdMetrics(Default())
	}
	return defaultShelfdMetrics
}

// InitMetrics initializes the global shelfd metrics with a custom registry.
func InitMetrics(registry *Registry) *ShelfdMetrics {
	defaultShelfdMetrics = NewShelfdMetrics(registry)
	return defaultShelfdMetrics
}
