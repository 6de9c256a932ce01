package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/attendancebackend/media"
	"github.com/camden-git/attendancebackend/models"
	"github.com/camden-git/attendancebackend/repository"
	"github.com/camden-git/attendancebackend/workers"
)

// EmbeddingDeleter lists and removes a student's stored vectors.
// repository.FaceEmbeddingRepository implements it.
type EmbeddingDeleter interface {
	GetAll(identityID uint) ([]models.FaceEmbedding, error)
	Delete(id uint) error
}

// RosterHandler serves classrooms, students and their reference photos.
type RosterHandler struct {
	Students   repository.StudentRepositoryInterface
	References *media.ReferenceStore
	Processor  *media.ReferenceProcessor
	Enroller   Enroller
	Embeddings EmbeddingDeleter
	Pools      workers.PoolInvalidator
}

func (h *RosterHandler) CreateClassroom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		WriteAPIError(w, http.StatusBadRequest, "missing_field", "name is required")
		return
	}

	classroom := &models.Classroom{Name: req.Name}
	if err := h.Students.CreateClassroom(classroom); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			WriteAPIError(w, http.StatusConflict, "duplicate", "classroom name already exists")
			return
		}
		writeServiceError(w, err, "classroom")
		return
	}
	writeJSON(w, http.StatusCreated, classroom)
}

func (h *RosterHandler) ListClassrooms(w http.ResponseWriter, r *http.Request) {
	classrooms, err := h.Students.ListClassrooms()
	if err != nil {
		writeServiceError(w, err, "classrooms")
		return
	}
	if classrooms == nil {
		classrooms = []models.Classroom{}
	}
	writeJSON(w, http.StatusOK, classrooms)
}

func (h *RosterHandler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	classroomID, err := uintParam(r, "classroom_id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_classroom_id", "invalid classroom id")
		return
	}
	if _, err := h.Students.GetClassroomByID(classroomID); err != nil {
		writeServiceError(w, err, "classroom")
		return
	}

	var req struct {
		StudentNumber string `json:"student_number"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	req.StudentNumber = strings.TrimSpace(req.StudentNumber)
	req.Name = strings.TrimSpace(req.Name)
	if req.StudentNumber == "" || req.Name == "" {
		WriteAPIError(w, http.StatusBadRequest, "missing_field", "student_number and name are required")
		return
	}

	student := &models.Student{ClassroomID: classroomID, StudentNumber: req.StudentNumber, Name: req.Name}
	if err := h.Students.CreateStudent(student); err != nil {
		writeServiceError(w, err, "student")
		return
	}
	writeJSON(w, http.StatusCreated, student)
}

// ListStudents returns the roster in natural student-number order.
func (h *RosterHandler) ListStudents(w http.ResponseWriter, r *http.Request) {
	classroomID, err := uintParam(r, "classroom_id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_classroom_id", "invalid classroom id")
		return
	}
	if _, err := h.Students.GetClassroomByID(classroomID); err != nil {
		writeServiceError(w, err, "classroom")
		return
	}
	roster, err := h.Students.ListIdentities(classroomID)
	if err != nil {
		writeServiceError(w, err, "roster")
		return
	}
	if roster == nil {
		roster = []models.RosterEntry{}
	}
	writeJSON(w, http.StatusOK, roster)
}

// UploadReference stores a new reference photo for a student and queues the
// student for enrollment. on_conflict (default update) decides whether an
// existing embedding is replaced.
func (h *RosterHandler) UploadReference(w http.ResponseWriter, r *http.Request) {
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

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_form", "expected multipart form: "+err.Error())
		return
	}
	policy := r.FormValue("on_conflict")
	if policy == "" {
		policy = "update"
	}
	onConflict, err := workers.ParseConflictPolicy(policy)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_on_conflict", err.Error())
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "missing_image", "form field 'image' is required")
		return
	}
	defer file.Close()

	relPath, _, err := h.Processor.SaveReference(file, student.ClassroomID)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_image", err.Error())
		return
	}
	if err := h.Students.SetReferenceImage(student.ID, relPath); err != nil {
		_ = h.References.Delete(relPath)
		writeServiceError(w, err, "student")
		return
	}
	if student.ReferenceImagePath != "" && student.ReferenceImagePath != relPath {
		if err := h.References.Delete(student.ReferenceImagePath); err != nil {
			log.Printf("Warning: failed to remove old reference photo %s: %v", student.ReferenceImagePath, err)
		}
	}

	entry := models.RosterEntry{
		StudentID:          student.ID,
		ClassroomID:        student.ClassroomID,
		StudentNumber:      student.StudentNumber,
		Name:               student.Name,
		ReferenceImagePath: relPath,
	}
	res := h.Enroller.Enqueue(workers.NewEnrollJob(entry, onConflict))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"reference_image_path": relPath,
		"enqueue":              newEnqueueResponse(res),
	})
}

// ServeReference returns a student's stored reference photo.
func (h *RosterHandler) ServeReference(w http.ResponseWriter, r *http.Request) {
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
		writeServiceError(w, gorm.ErrRecordNotFound, "reference photo")
		return
	}

	fullPath, err := h.References.FullPath(student.ReferenceImagePath)
	if err != nil {
		log.Printf("SECURITY: reference path for student %d resolved outside store: %v", student.ID, err)
		WriteAPIError(w, http.StatusForbidden, "forbidden", "forbidden")
		return
	}
	if _, err := os.Stat(fullPath); errors.Is(err, os.ErrNotExist) {
		writeServiceError(w, gorm.ErrRecordNotFound, "reference photo")
		return
	} else if err != nil {
		log.Printf("Error stating reference photo %s: %v", fullPath, err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "failed to read reference photo")
		return
	}

	cacheDuration := time.Hour
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("Expires", time.Now().Add(cacheDuration).Format(http.TimeFormat))
	http.ServeFile(w, r, fullPath)
}

// DeleteEmbeddings removes a student's stored vectors, optionally only those of
// the model_version query parameter, so the student can be enrolled afresh.
func (h *RosterHandler) DeleteEmbeddings(w http.ResponseWriter, r *http.Request) {
	studentID, err := uintParam(r, "student_id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_student_id", "invalid student id")
		return
	}
	if _, err := h.Students.GetStudentByID(studentID); err != nil {
		writeServiceError(w, err, "student")
		return
	}
	model := r.URL.Query().Get("model_version")

	rows, err := h.Embeddings.GetAll(studentID)
	if err != nil {
		writeServiceError(w, err, "embeddings")
		return
	}
	deleted := 0
	for _, row := range rows {
		if model != "" && row.ModelVersion != model {
			continue
		}
		if err := h.Embeddings.Delete(row.ID); err != nil {
			writeServiceError(w, err, "embedding")
			return
		}
		deleted++
	}
	if deleted > 0 && h.Pools != nil {
		h.Pools.Invalidate()
	}
	log.Printf("Deleted %d embedding(s) for student %d", deleted, studentID)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
