package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/camden-git/attendancebackend/models"
	"github.com/camden-git/attendancebackend/repository"
	"github.com/camden-git/attendancebackend/services"
)

type AttendanceHandler struct {
	Recorder *services.AttendanceRecorder
	Students repository.StudentRepositoryInterface
}

func (h *AttendanceHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClassroomID uint `json:"classroom_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	if req.ClassroomID == 0 {
		WriteAPIError(w, http.StatusBadRequest, "missing_field", "classroom_id is required")
		return
	}
	if _, err := h.Students.GetClassroomByID(req.ClassroomID); err != nil {
		writeServiceError(w, err, "classroom")
		return
	}
	session, err := h.Recorder.StartSession(req.ClassroomID)
	if err != nil {
		writeServiceError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *AttendanceHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Recorder.Session(chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ListAttendance returns the current decision rows of a session.
func (h *AttendanceHandler) ListAttendance(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.Recorder.Decisions(chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, err, "session")
		return
	}
	if decisions == nil {
		decisions = []models.AttendanceDecision{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

// Correct records a MANUAL_CORRECTION by the authenticated actor.
func (h *AttendanceHandler) Correct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentID uint                    `json:"student_id"`
		Status    models.AttendanceStatus `json:"status"`
		Reason    string                  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	if req.StudentID == 0 {
		WriteAPIError(w, http.StatusBadRequest, "missing_field", "student_id is required")
		return
	}
	decision, err := h.Recorder.RecordManualCorrection(chi.URLParam(r, "session_id"), req.StudentID, req.Status, actorFrom(r), req.Reason)
	if err != nil {
		writeServiceError(w, err, "correction")
		return
	}
	writeJSON(w, http.StatusCreated, decision)
}

// Close marks students without a decision ABSENT and closes the session.
func (h *AttendanceHandler) Close(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.Recorder.CloseSession(chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (h *AttendanceHandler) History(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	studentID, err := strconv.ParseUint(chi.URLParam(r, "student_id"), 10, 64)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_student_id", "invalid student id")
		return
	}
	if _, err := h.Recorder.Session(sessionID); err != nil {
		writeServiceError(w, err, "session")
		return
	}
	history, err := h.Recorder.History(sessionID, uint(studentID))
	if err != nil {
		writeServiceError(w, err, "history")
		return
	}
	if history == nil {
		history = []models.AttendanceDecision{}
	}
	writeJSON(w, http.StatusOK, history)
}

// Export streams the session as a ZIP of CSV files.
func (h *AttendanceHandler) Export(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	var buf bytes.Buffer
	if err := h.Recorder.ExportSession(&buf, sessionID); err != nil {
		writeServiceError(w, err, "session export")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="attendance_%s.zip"`, sessionID))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("Error writing export for session %s: %v", sessionID, err)
	}
}
