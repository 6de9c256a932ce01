package handlers

import (
	"net/http"

	"github.com/camden-git/attendancebackend/repository"
	"github.com/camden-git/attendancebackend/services"
)

// BackendReporter lists detector backends and whether each is loaded.
// media.FallbackDetector implements it.
type BackendReporter interface {
	Backends() map[string]bool
	Available() bool
}

// SystemHandler serves health and audit endpoints.
type SystemHandler struct {
	Embeddings   repository.EmbeddingStore
	Detector     BackendReporter
	ModelVersion string
	Enroller     Enroller
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !h.Detector.Available() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"detector_available": h.Detector.Available(),
		"detector_backends":  h.Detector.Backends(),
		"model_version":      h.ModelVersion,
		"batch_running":      h.Enroller.BatchRunning(),
		"queue_depth":        h.Enroller.QueueDepth(),
	})
}

// AuditEmbeddings reports stored vectors that would misbehave in matching.
func (h *SystemHandler) AuditEmbeddings(w http.ResponseWriter, r *http.Request) {
	audit, err := services.AuditEmbeddings(h.Embeddings)
	if err != nil {
		writeServiceError(w, err, "embedding audit")
		return
	}
	writeJSON(w, http.StatusOK, audit)
}
