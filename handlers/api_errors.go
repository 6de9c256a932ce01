package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/camden-git/attendancebackend/media"
	"github.com/camden-git/attendancebackend/services"
	"github.com/camden-git/attendancebackend/workers"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	resp := APIErrorResponse{
		Errors: []APIErrorDetail{{Code: code, Status: strconv.Itoa(httpStatus), Detail: detail}},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("Error encoding JSON response: %v", err)
		}
	}
}

// writeServiceError maps domain errors to API errors. Anything unrecognised is
// logged with what and reported as a 500.
func writeServiceError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		WriteAPIError(w, http.StatusNotFound, "not_found", what+" not found")
	case errors.Is(err, workers.ErrBatchInProgress):
		WriteAPIError(w, http.StatusConflict, "batch_in_progress", err.Error())
	case errors.Is(err, workers.ErrPipelineStopped):
		WriteAPIError(w, http.StatusServiceUnavailable, "pipeline_stopped", err.Error())
	case errors.Is(err, services.ErrManualDecisionLocked):
		WriteAPIError(w, http.StatusConflict, "manual_decision_locked", err.Error())
	case errors.Is(err, services.ErrSessionClosed):
		WriteAPIError(w, http.StatusConflict, "session_closed", err.Error())
	case errors.Is(err, services.ErrReasonRequired), errors.Is(err, services.ErrInvalidStatus):
		WriteAPIError(w, http.StatusBadRequest, "invalid_correction", err.Error())
	case errors.Is(err, services.ErrNotOnRoster):
		WriteAPIError(w, http.StatusUnprocessableEntity, "not_on_roster", err.Error())
	case errors.Is(err, services.ErrUnsupportedBackup):
		WriteAPIError(w, http.StatusBadRequest, "unsupported_backup", err.Error())
	case errors.Is(err, media.ErrOutsideStore):
		WriteAPIError(w, http.StatusBadRequest, "invalid_path", err.Error())
	case errors.Is(err, media.ErrDetectorUnavailable):
		WriteAPIError(w, http.StatusServiceUnavailable, "detector_unavailable", err.Error())
	default:
		log.Printf("Error handling %s: %v", what, err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "failed to process "+what)
	}
}

func uintParam(r *http.Request, name string) (uint, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}

func parseOptionalUint(s string) (*uint, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, err
	}
	u := uint(v)
	return &u, nil
}
