package services

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/camden-git/attendancebackend/models"
	"github.com/camden-git/attendancebackend/realtime"
	"github.com/camden-git/attendancebackend/repository"
)

var (
	// ErrManualDecisionLocked is returned when an automatic decision would
	// replace a manual correction.
	ErrManualDecisionLocked = errors.New("decision was manually corrected")
	ErrReasonRequired       = errors.New("manual correction requires a reason")
	ErrInvalidStatus        = errors.New("invalid attendance status")
	ErrSessionClosed        = errors.New("attendance session is closed")
	ErrNotOnRoster          = errors.New("student is not on the session's roster")
)

// DecisionObserver counts decision writes. metrics.EngineMetrics implements it.
type DecisionObserver interface {
	ObserveDecision(source, status string)
}

// AttendanceRecorder turns match results into session-scoped decisions. Rows
// are never rewritten: a changed decision supersedes the previous revision.
type AttendanceRecorder struct {
	store    repository.AttendanceStore
	roster   repository.RosterSource
	hub      realtime.Broadcaster
	observer DecisionObserver
	now      func() time.Time

	// serializes read-current-then-append per recorder
	mu sync.Mutex
}

// NewAttendanceRecorder creates a recorder. hub and observer may be nil.
func NewAttendanceRecorder(store repository.AttendanceStore, roster repository.RosterSource, hub realtime.Broadcaster, observer DecisionObserver) *AttendanceRecorder {
	if hub == nil {
		hub = realtime.Discard
	}
	return &AttendanceRecorder{store: store, roster: roster, hub: hub, observer: observer, now: time.Now}
}

// StartSession opens a new roll-call for a classroom.
func (r *AttendanceRecorder) StartSession(classroomID uint) (*models.AttendanceSession, error) {
	session := &models.AttendanceSession{
		ID:          uuid.NewString(),
		ClassroomID: classroomID,
		StartedAt:   r.now().Unix(),
	}
	if err := r.store.CreateSession(session); err != nil {
		return nil, err
	}
	log.Printf("attendance: started session %s for classroom %d", session.ID, classroomID)
	return session, nil
}

// RecordAuto records a 1:N identification. A match marks the student PRESENT;
// anything else is logged as an UNKNOWN face without a student.
func (r *AttendanceRecorder) RecordAuto(sessionID string, result MatchResult) (*models.AttendanceDecision, error) {
	session, err := r.openSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !result.Matched || result.IdentityID == nil {
		decision := &models.AttendanceDecision{
			SessionID:      sessionID,
			Status:         models.StatusUnknown,
			Similarity:     result.Similarity,
			DecisionSource: models.SourceAutoMatch,
			DecidedAt:      r.now().Unix(),
			Reason:         string(result.Outcome),
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.store.AppendDecision(nil, decision); err != nil {
			return nil, err
		}
		r.published(decision)
		return decision, nil
	}
	if err := r.checkRoster(session, *result.IdentityID); err != nil {
		return nil, err
	}
	return r.decide(sessionID, *result.IdentityID, models.StatusPresent, result.Similarity, models.SourceAutoMatch, "", "")
}

// RecordSelfVerified records a 1:1 verification for the claimed student:
// PRESENT when it matched, UNKNOWN otherwise.
func (r *AttendanceRecorder) RecordSelfVerified(sessionID string, claimedID uint, result MatchResult) (*models.AttendanceDecision, error) {
	session, err := r.openSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.checkRoster(session, claimedID); err != nil {
		return nil, err
	}
	status := models.StatusUnknown
	if result.Matched && result.IdentityID != nil && *result.IdentityID == claimedID {
		status = models.StatusPresent
	}
	return r.decide(sessionID, claimedID, status, result.Similarity, models.SourceSelfVerified, "", string(result.Outcome))
}

// RecordManualCorrection appends a human decision. It is allowed on closed sessions.
func (r *AttendanceRecorder) RecordManualCorrection(sessionID string, studentID uint, status models.AttendanceStatus, actor, reason string) (*models.AttendanceDecision, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	session, err := r.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.checkRoster(session, studentID); err != nil {
		return nil, err
	}
	similarity := float32(0)
	if status == models.StatusPresent {
		similarity = 1
	}
	return r.decide(sessionID, studentID, status, similarity, models.SourceManualCorrection, actor, reason)
}

// decide applies the re-decision rules for one student:
//   - automatic sources never replace a manual correction
//   - an automatic decision with the current status is a no-op
//   - an automatic UNKNOWN does not downgrade PRESENT
//   - anything else supersedes the current revision
func (r *AttendanceRecorder) decide(sessionID string, studentID uint, status models.AttendanceStatus, similarity float32, source models.DecisionSource, actor, reason string) (*models.AttendanceDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.store.CurrentDecision(sessionID, studentID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if current != nil && source != models.SourceManualCorrection {
		if current.DecisionSource == models.SourceManualCorrection {
			return current, ErrManualDecisionLocked
		}
		if current.Status == status {
			return current, nil
		}
		if status == models.StatusUnknown && current.Status == models.StatusPresent {
			return current, nil
		}
	}

	id := studentID
	next := &models.AttendanceDecision{
		SessionID:      sessionID,
		StudentID:      &id,
		Status:         status,
		Similarity:     similarity,
		DecisionSource: source,
		DecidedAt:      r.now().Unix(),
		Actor:          actor,
		Reason:         reason,
	}
	if err := r.store.AppendDecision(current, next); err != nil {
		return nil, err
	}
	if current != nil {
		log.Printf("attendance: session %s student %d %s -> %s (%s, revision %d)", sessionID, studentID, current.Status, status, source, next.Revision)
	}
	r.published(next)
	return next, nil
}

// CloseSession marks every roster student without a decision ABSENT and stamps
// the session closed. Closing twice returns ErrSessionClosed.
func (r *AttendanceRecorder) CloseSession(sessionID string) ([]models.AttendanceDecision, error) {
	session, err := r.openSession(sessionID)
	if err != nil {
		return nil, err
	}
	studentIDs, err := r.roster.StudentIDs(session.ClassroomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster for session %s: %w", sessionID, err)
	}

	r.mu.Lock()
	absent := 0
	for _, studentID := range studentIDs {
		_, err := r.store.CurrentDecision(sessionID, studentID)
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.mu.Unlock()
			return nil, err
		}
		id := studentID
		decision := &models.AttendanceDecision{
			SessionID:      sessionID,
			StudentID:      &id,
			Status:         models.StatusAbsent,
			DecisionSource: models.SourceAutoMatch,
			DecidedAt:      r.now().Unix(),
			Reason:         "no decision when session closed",
		}
		if err := r.store.AppendDecision(nil, decision); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if r.observer != nil {
			r.observer.ObserveDecision(string(decision.DecisionSource), string(decision.Status))
		}
		absent++
	}
	closedAt := r.now().Unix()
	err = r.store.CloseSession(sessionID, closedAt)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	log.Printf("attendance: closed session %s, %d of %d students marked absent", sessionID, absent, len(studentIDs))
	r.hub.Broadcast(realtime.NewEvent(realtime.EventSessionClosed, sessionID, "closed", map[string]interface{}{
		"classroom_id": session.ClassroomID,
		"absent":       absent,
	}))
	return r.store.ListCurrentDecisions(sessionID)
}

// Decisions lists the current decision rows of a session.
func (r *AttendanceRecorder) Decisions(sessionID string) ([]models.AttendanceDecision, error) {
	if _, err := r.store.GetSession(sessionID); err != nil {
		return nil, err
	}
	return r.store.ListCurrentDecisions(sessionID)
}

// History lists every revision for a student in a session, oldest first.
func (r *AttendanceRecorder) History(sessionID string, studentID uint) ([]models.AttendanceDecision, error) {
	return r.store.History(sessionID, studentID)
}

// Session returns a session by id.
func (r *AttendanceRecorder) Session(sessionID string) (*models.AttendanceSession, error) {
	return r.store.GetSession(sessionID)
}

func (r *AttendanceRecorder) openSession(sessionID string) (*models.AttendanceSession, error) {
	session, err := r.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.ClosedAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	return session, nil
}

func (r *AttendanceRecorder) checkRoster(session *models.AttendanceSession, studentID uint) error {
	ids, err := r.roster.StudentIDs(session.ClassroomID)
	if err != nil {
		return fmt.Errorf("failed to load roster for classroom %d: %w", session.ClassroomID, err)
	}
	for _, id := range ids {
		if id == studentID {
			return nil
		}
	}
	return fmt.Errorf("%w: student %d, classroom %d", ErrNotOnRoster, studentID, session.ClassroomID)
}

func (r *AttendanceRecorder) published(d *models.AttendanceDecision) {
	if r.observer != nil {
		r.observer.ObserveDecision(string(d.DecisionSource), string(d.Status))
	}
	extra := map[string]interface{}{
		"decision_id":     d.ID,
		"status":          d.Status,
		"decision_source": d.DecisionSource,
		"similarity":      d.Similarity,
		"revision":        d.Revision,
	}
	if d.StudentID != nil {
		extra["student_id"] = *d.StudentID
	}
	r.hub.Broadcast(realtime.NewEvent(realtime.EventAttendanceDecision, d.SessionID, string(d.Status), extra))
}
