package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log"
	"net/http"

	"gocv.io/x/gocv"

	"github.com/camden-git/attendancebackend/media"
	"github.com/camden-git/attendancebackend/models"
	"github.com/camden-git/attendancebackend/services"
)

const maxUploadBytes = 32 << 20

// Recognizer is the recognition surface used by the HTTP layer.
// services.RecognitionService implements it.
type Recognizer interface {
	DetectAndRecognize(ctx context.Context, img image.Image, classroomID *uint) ([]services.FaceMatch, error)
	VerifySelf(ctx context.Context, img image.Image, claimedID uint) (services.MatchResult, error)
	IdentifyVectors(modelVersion string, vectors [][]float32, classroomID uint) ([]services.FaceMatch, error)
	ModelVersion() string
}

type RecognitionHandler struct {
	Recognizer Recognizer
	Recorder   *services.AttendanceRecorder
}

type recognizeResponse struct {
	ModelVersion string                      `json:"model_version"`
	Faces        []services.FaceMatch        `json:"faces"`
	Decisions    []models.AttendanceDecision `json:"decisions,omitempty"`
	Warnings     []string                    `json:"warnings,omitempty"`
}

type verifyResponse struct {
	ModelVersion string                     `json:"model_version"`
	Result       services.MatchResult       `json:"result"`
	Decision     *models.AttendanceDecision `json:"decision,omitempty"`
}

// readUpload parses a multipart form and decodes its "image" field.
func readUpload(w http.ResponseWriter, r *http.Request) (image.Image, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_form", "expected multipart form: "+err.Error())
		return nil, false
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "missing_image", "form field 'image' is required")
		return nil, false
	}
	defer file.Close()

	img, _, err := media.ReadImage(file)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_image", err.Error())
		return nil, false
	}
	return img, true
}

// Recognize identifies every face in the uploaded photo. With session_id the
// results are recorded as AUTO_MATCH decisions and the pool defaults to the
// session's classroom.
func (h *RecognitionHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	img, ok := readUpload(w, r)
	if !ok {
		return
	}
	classroomID, err := parseOptionalUint(r.FormValue("classroom_id"))
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_classroom_id", "classroom_id must be a positive integer")
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID != "" {
		session, err := h.Recorder.Session(sessionID)
		if err != nil {
			writeServiceError(w, err, "session")
			return
		}
		if session.ClosedAt != nil {
			writeServiceError(w, services.ErrSessionClosed, "session")
			return
		}
		if classroomID == nil {
			classroomID = &session.ClassroomID
		}
	}

	matches, err := h.Recognizer.DetectAndRecognize(r.Context(), img, classroomID)
	if err != nil {
		writeServiceError(w, err, "recognition")
		return
	}

	resp := recognizeResponse{ModelVersion: h.Recognizer.ModelVersion(), Faces: matches}
	if sessionID != "" && !h.record(w, sessionID, matches, &resp) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type identifyVectorsRequest struct {
	ModelVersion string      `json:"model_version"`
	Vectors      [][]float32 `json:"vectors"`
	SessionID    string      `json:"session_id"`
}

// IdentifyVectors matches precomputed vectors against the classroom's students.
// With session_id, which must belong to the classroom, matches are recorded as
// AUTO_MATCH decisions the same way Recognize records them.
func (h *RecognitionHandler) IdentifyVectors(w http.ResponseWriter, r *http.Request) {
	classroomID, err := uintParam(r, "classroom_id")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_classroom_id", "invalid classroom id")
		return
	}
	var req identifyVectorsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	if len(req.Vectors) == 0 {
		WriteAPIError(w, http.StatusBadRequest, "missing_field", "vectors is required")
		return
	}

	if req.SessionID != "" {
		session, err := h.Recorder.Session(req.SessionID)
		if err != nil {
			writeServiceError(w, err, "session")
			return
		}
		if session.ClosedAt != nil {
			writeServiceError(w, services.ErrSessionClosed, "session")
			return
		}
		if session.ClassroomID != classroomID {
			WriteAPIError(w, http.StatusBadRequest, "session_classroom_mismatch", "session belongs to another classroom")
			return
		}
	}

	matches, err := h.Recognizer.IdentifyVectors(req.ModelVersion, req.Vectors, classroomID)
	if err != nil {
		writeServiceError(w, err, "vector identification")
		return
	}

	model := req.ModelVersion
	if model == "" {
		model = h.Recognizer.ModelVersion()
	}
	resp := recognizeResponse{ModelVersion: model, Faces: matches}
	if req.SessionID != "" && !h.record(w, req.SessionID, matches, &resp) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// record stores AUTO_MATCH decisions for matches. It writes the error response
// and returns false on a failure other than a locked or off-roster decision.
func (h *RecognitionHandler) record(w http.ResponseWriter, sessionID string, matches []services.FaceMatch, resp *recognizeResponse) bool {
	for _, m := range matches {
		if m.Duplicate || m.Result.Outcome == services.OutcomeExtractionFailed {
			continue
		}
		decision, err := h.Recorder.RecordAuto(sessionID, m.Result)
		switch {
		case errors.Is(err, services.ErrManualDecisionLocked), errors.Is(err, services.ErrNotOnRoster):
			resp.Warnings = append(resp.Warnings, err.Error())
		case err != nil:
			writeServiceError(w, err, "attendance decision")
			return false
		default:
			resp.Decisions = append(resp.Decisions, *decision)
		}
	}
	return true
}

// Verify runs a 1:1 check of the uploaded selfie against student_id.
func (h *RecognitionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	img, ok := readUpload(w, r)
	if !ok {
		return
	}
	studentID, err := parseOptionalUint(r.FormValue("student_id"))
	if err != nil || studentID == nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_student_id", "student_id is required")
		return
	}

	result, err := h.Recognizer.VerifySelf(r.Context(), img, *studentID)
	if err != nil {
		writeServiceError(w, err, "verification")
		return
	}

	resp := verifyResponse{ModelVersion: h.Recognizer.ModelVersion(), Result: result}
	if sessionID := r.FormValue("session_id"); sessionID != "" {
		decision, err := h.Recorder.RecordSelfVerified(sessionID, *studentID, result)
		if err != nil && !errors.Is(err, services.ErrManualDecisionLocked) {
			writeServiceError(w, err, "attendance decision")
			return
		}
		resp.Decision = decision
	}
	writeJSON(w, http.StatusOK, resp)
}

// Preview draws the recognition result onto the uploaded photo and returns a JPEG.
func (h *RecognitionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	img, ok := readUpload(w, r)
	if !ok {
		return
	}
	classroomID, err := parseOptionalUint(r.FormValue("classroom_id"))
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_classroom_id", "classroom_id must be a positive integer")
		return
	}
	matches, err := h.Recognizer.DetectAndRecognize(r.Context(), img, classroomID)
	if err != nil {
		writeServiceError(w, err, "recognition")
		return
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		log.Printf("Error converting preview image: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "failed to convert image")
		return
	}
	defer mat.Close()

	green := color.RGBA{0, 200, 0, 0}
	red := color.RGBA{220, 0, 0, 0}
	thickness := 2
	for _, m := range matches {
		rect := m.Face.Box.Rect()
		label := fmt.Sprintf("? %.2f", m.Result.Similarity)
		c := red
		if m.Result.Matched && m.Result.IdentityID != nil {
			label = fmt.Sprintf("ID:%d %.2f", *m.Result.IdentityID, m.Result.Similarity)
			c = green
		}
		gocv.Rectangle(&mat, rect, c, thickness)
		gocv.PutText(&mat, label, image.Pt(rect.Min.X, maxInt(rect.Min.Y-5, 10)), gocv.FontHersheySimplex, 0.5, c, 1)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		log.Printf("Error encoding preview after drawing: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "failed to encode image")
		return
	}
	defer buf.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", buf.Len()))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if _, err := w.Write(buf.GetBytes()); err != nil {
		log.Printf("Error writing preview response: %v", err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
