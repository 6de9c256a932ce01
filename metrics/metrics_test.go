package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineMetricsRecordsDetection(t *testing.T) {
	m, err := NewEngineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveDetection("retinaface", 3, 20*time.Millisecond, nil)
	m.ObserveDetection("retinaface", 0, time.Second, context.DeadlineExceeded)
	m.ObserveDetection("dnn-ssd", 0, time.Millisecond, errors.New("bad blob"))

	assert.InDelta(t, 1, testutil.ToFloat64(m.DetectionTotal.WithLabelValues("retinaface", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.DetectionTotal.WithLabelValues("retinaface", "timeout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.DetectionTotal.WithLabelValues("dnn-ssd", "error")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.FacesDetected.WithLabelValues("retinaface")), 0)
}

func TestEngineMetricsPipelineCounters(t *testing.T) {
	m, err := NewEngineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.IncEnqueueDropped()
	m.IncEnqueueDropped()
	m.AddQueueDiscarded(3)
	m.AddQueueDiscarded(0)
	m.SetQueueDepth(5)
	m.ObserveEnrollItem("saved")

	done := m.BatchStarted()
	assert.InDelta(t, 1, testutil.ToFloat64(m.BatchesInFlightGauge), 0)
	done()

	assert.InDelta(t, 2, testutil.ToFloat64(m.EnqueueDroppedTotal), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.QueueDiscardedTotal), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.QueueDepthGauge), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.BatchesInFlightGauge), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EnrollItemsTotal.WithLabelValues("saved")), 0)
}

func TestEngineMetricsDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewEngineMetrics(reg)
	require.NoError(t, err)
	_, err = NewEngineMetrics(reg)
	assert.Error(t, err)
}

func TestNilEngineMetricsIsSafe(t *testing.T) {
	var m *EngineMetrics
	assert.NotPanics(t, func() {
		m.ObserveDetection("x", 1, time.Millisecond, nil)
		m.ObserveExtraction("geo-v1", time.Millisecond, nil)
		m.ObserveMatch("identify", "matched", 0.9, true)
		m.ObserveEnrollItem("failed")
		m.IncEnqueueDropped()
		m.AddQueueDiscarded(1)
		m.SetQueueDepth(1)
		m.BatchStarted()()
		m.ObserveDecision("AUTO_MATCH", "PRESENT")
	})
}
