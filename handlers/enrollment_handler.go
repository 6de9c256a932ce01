package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/camden-git/attendancebackend/repository"
	"github.com/camden-git/attendancebackend/workers"
)

// Enroller is the enrollment pipeline surface used by the HTTP layer.
type Enroller interface {
	EnrollBatch(ctx context.Context, groupID uint, onConflict workers.ConflictFunc, opts ...workers.BatchOption) (workers.BatchSummary, error)
	Enqueue(job *workers.EnrollJob) workers.EnqueueResult
	BatchRunning() bool
	QueueDepth() int
}

type EnrollmentHandler struct {
	Enroller Enroller
	Students repository.StudentRepositoryInterface
}

type enqueueResponse struct {
	Accepted             bool   `json:"accepted"`
	DroppedStudentID     *uint  `json:"dropped_student_id,omitempty"`
	DroppedStudentNumber string `json:"dropped_student_number,omitempty"`
}

func newEnqueueResponse(res workers.EnqueueResult) enqueueResponse {
	out := enqueueResponse{Accepted: res.Accepted}
	if res.Dropped != nil {
		id := res.Dropped.Entry.StudentID
		out.DroppedStudentID = &id
		out.DroppedStudentNumber = res.Dropped.Entry.StudentNumber
	}
	return out
}

type enrollRequest struct {
	OnConflict string            `json:"on_conflict"`
	Overrides  map[string]string `json:"overrides"`
}

// conflictFunc builds the policy of a request. Overrides are keyed by student id.
func (req enrollRequest) conflictFunc() (workers.ConflictFunc, error) {
	base, err := workers.ParseConflictPolicy(req.OnConflict)
	if err != nil {
		return nil, err
	}
	overrides := make(map[uint]workers.ConflictDecision, len(req.Overrides))
	for key, value := range req.Overrides {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, errors.New("override keys must be student ids")
		}
		decision := workers.ConflictDecision(strings.ToUpper(strings.TrimSpace(value)))
		if decision != workers.ConflictUpdate && decision != workers.ConflictSkip {
			return nil, errors.New("override values must be UPDATE or SKIP")
		}
		overrides[uint(id)] = decision
	}
	return workers.WithOverrides(base, overrides), nil
}

func decodeEnrollRequest(r *http.Request) (enrollRequest, error) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// EnrollClassroom runs a batch for every student of the classroom with a
// reference photo and returns the summary when it completes.
func (h *EnrollmentHandler) EnrollClassroom(w http.ResponseWriter, r *http.Request) {
	classroomID, err := uintParam(r, "classroom_id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_classroom_id", "invalid classroom id")
		return
	}
	if _, err := h.Students.GetClassroomByID(classroomID); err != nil {
		writeServiceError(w, err, "classroom")
		return
	}
	req, err := decodeEnrollRequest(r)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	onConflict, err := req.conflictFunc()
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_on_conflict", err.Error())
		return
	}

	summary, err := h.Enroller.EnrollBatch(r.Context(), classroomID, onConflict)
	if err != nil {
		if errors.Is(err, workers.ErrPipelineStopped) && summary.BatchID != "" {
			writeJSON(w, http.StatusServiceUnavailable, summary)
			return
		}
		writeServiceError(w, err, "enrollment batch")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// EnrollStudent queues a single student. The response reports any job the
// queue evicted to make room.
func (h *EnrollmentHandler) EnrollStudent(w http.ResponseWriter, r *http.Request) {
	studentID, err := uintParam(r, "student_id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_student_id", "invalid student id")
		return
	}
	student, err := h.Students.GetStudentByID(studentID)
	if err != nil {
		writeServiceError(w, err, "student")
		return
	}
	if student.ReferenceImagePath == "" {
		WriteAPIError(w, http.StatusUnprocessableEntity, "no_reference_image", "student has no reference photo")
		return
	}
	req, err := decodeEnrollRequest(r)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	onConflict, err := req.conflictFunc()
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_on_conflict", err.Error())
		return
	}

	entries, err := h.Students.ListIdentities(student.ClassroomID)
	if err != nil {
		writeServiceError(w, err, "roster")
		return
	}
	for _, entry := range entries {
		if entry.StudentID != student.ID {
			continue
		}
		res := h.Enroller.Enqueue(workers.NewEnrollJob(entry, onConflict))
		if !res.Accepted {
			writeServiceError(w, workers.ErrPipelineStopped, "enrollment")
			return
		}
		writeJSON(w, http.StatusAccepted, newEnqueueResponse(res))
		return
	}
	writeServiceError(w, errors.New("student missing from its classroom roster"), "enrollment")
}

// Status reports whether a batch is running and how deep the queue is.
func (h *EnrollmentHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_running": h.Enroller.BatchRunning(),
		"queue_depth":   h.Enroller.QueueDepth(),
	})
}
