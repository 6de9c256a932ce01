// Package metrics provides the Prometheus metrics for the recognition engine
// and the enrollment pipeline.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics contains all Prometheus metrics of the attendance backend.
// Every method is safe on a nil receiver so components can run without metrics.
type EngineMetrics struct {
	// detection
	DetectionDuration *prometheus.HistogramVec
	DetectionTotal    *prometheus.CounterVec
	FacesDetected     *prometheus.CounterVec

	// extraction and matching
	ExtractionDuration *prometheus.HistogramVec
	ExtractionTotal    *prometheus.CounterVec
	MatchTotal         *prometheus.CounterVec
	MatchSimilarity    *prometheus.HistogramVec

	// enrollment pipeline
	EnrollItemsTotal     *prometheus.CounterVec
	EnqueueDroppedTotal  prometheus.Counter
	QueueDiscardedTotal  prometheus.Counter
	QueueDepthGauge      prometheus.Gauge
	BatchDuration        prometheus.Histogram
	BatchesInFlightGauge prometheus.Gauge

	// attendance
	DecisionsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewEngineMetrics creates the metrics and registers them on registry.
func NewEngineMetrics(registry *prometheus.Registry) (*EngineMetrics, error) {
	m := &EngineMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize engine metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register engine metrics: %w", err)
	}
	return m, nil
}

func (m *EngineMetrics) initMetrics() error {
	m.DetectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attendance_detection_duration_seconds",
			Help:    "Time taken by one face detector backend call",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"backend"},
	)
	m.DetectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_detection_total",
			Help: "Total number of detector backend calls partitioned by outcome",
		},
		[]string{"backend", "status"},
	)
	m.FacesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_faces_detected_total",
			Help: "Total number of faces returned by each detector backend",
		},
		[]string{"backend"},
	)

	m.ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attendance_extraction_duration_seconds",
			Help:    "Time taken to extract one face embedding",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"model"},
	)
	m.ExtractionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_extraction_total",
			Help: "Total number of embedding extractions partitioned by outcome",
		},
		[]string{"model", "status"},
	)
	m.MatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_match_total",
			Help: "Total number of identify and verify calls partitioned by outcome",
		},
		[]string{"mode", "outcome"},
	)
	m.MatchSimilarity = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attendance_match_similarity",
			Help:    "Best cosine similarity per identify or verify call",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"mode"},
	)

	m.EnrollItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_enrollment_items_total",
			Help: "Total number of enrollment items by final state",
		},
		[]string{"state"},
	)
	m.EnqueueDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_enrollment_enqueue_dropped_total",
			Help: "Queued enrollment items discarded to admit a newer one",
		},
	)
	m.QueueDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_enrollment_queue_discarded_total",
			Help: "Queued enrollment items discarded at shutdown",
		},
	)
	m.QueueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendance_enrollment_queue_depth",
			Help: "Enrollment items waiting for the worker",
		},
	)
	m.BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attendance_enrollment_batch_duration_seconds",
			Help:    "Time taken to run a batch enrollment",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
	)
	m.BatchesInFlightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendance_enrollment_batch_in_flight",
			Help: "Whether a batch enrollment is running (1) or not (0)",
		},
	)

	m.DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_decisions_total",
			Help: "Attendance decisions written partitioned by source and status",
		},
		[]string{"source", "status"},
	)
	return nil
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// ObserveDetection records one detector backend call.
func (m *EngineMetrics) ObserveDetection(backend string, faces int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.DetectionTotal.WithLabelValues(backend, statusOf(err)).Inc()
	if err == nil {
		m.DetectionDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
		m.FacesDetected.WithLabelValues(backend).Add(float64(faces))
	}
}

// ObserveExtraction records one embedding extraction.
func (m *EngineMetrics) ObserveExtraction(model string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ExtractionTotal.WithLabelValues(model, statusOf(err)).Inc()
	if err == nil {
		m.ExtractionDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	}
}

// ObserveMatch records an identify or verify outcome. Similarity is only
// observed when something was compared.
func (m *EngineMetrics) ObserveMatch(mode, outcome string, similarity float32, compared bool) {
	if m == nil {
		return
	}
	m.MatchTotal.WithLabelValues(mode, outcome).Inc()
	if compared {
		m.MatchSimilarity.WithLabelValues(mode).Observe(float64(similarity))
	}
}

// ObserveEnrollItem counts an enrollment item reaching a final state.
func (m *EngineMetrics) ObserveEnrollItem(state string) {
	if m == nil {
		return
	}
	m.EnrollItemsTotal.WithLabelValues(state).Inc()
}

func (m *EngineMetrics) IncEnqueueDropped() {
	if m == nil {
		return
	}
	m.EnqueueDroppedTotal.Inc()
}

func (m *EngineMetrics) AddQueueDiscarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueDiscardedTotal.Add(float64(n))
}

func (m *EngineMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepthGauge.Set(float64(n))
}

// BatchStarted marks a batch as running and returns a func that records its duration.
func (m *EngineMetrics) BatchStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.BatchesInFlightGauge.Set(1)
	return func() {
		m.BatchesInFlightGauge.Set(0)
		m.BatchDuration.Observe(time.Since(start).Seconds())
	}
}

// ObserveDecision counts an attendance decision write.
func (m *EngineMetrics) ObserveDecision(source, status string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(source, status).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *EngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DetectionDuration.Describe(ch)
	m.DetectionTotal.Describe(ch)
	m.FacesDetected.Describe(ch)

	m.ExtractionDuration.Describe(ch)
	m.ExtractionTotal.Describe(ch)
	m.MatchTotal.Describe(ch)
	m.MatchSimilarity.Describe(ch)

	m.EnrollItemsTotal.Describe(ch)
	ch <- m.EnqueueDroppedTotal.Desc()
	ch <- m.QueueDiscardedTotal.Desc()
	ch <- m.QueueDepthGauge.Desc()
	ch <- m.BatchDuration.Desc()
	ch <- m.BatchesInFlightGauge.Desc()

	m.DecisionsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *EngineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DetectionDuration.Collect(ch)
	m.DetectionTotal.Collect(ch)
	m.FacesDetected.Collect(ch)

	m.ExtractionDuration.Collect(ch)
	m.ExtractionTotal.Collect(ch)
	m.MatchTotal.Collect(ch)
	m.MatchSimilarity.Collect(ch)

	m.EnrollItemsTotal.Collect(ch)
	ch <- m.EnqueueDroppedTotal
	ch <- m.QueueDiscardedTotal
	ch <- m.QueueDepthGauge
	ch <- m.BatchDuration
	ch <- m.BatchesInFlightGauge

	m.DecisionsTotal.Collect(ch)
}
