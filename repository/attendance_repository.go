package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/camden-git/attendancebackend/models"
	"gorm.io/gorm"
)

// AttendanceRepository persists sessions and the decision log.
type AttendanceRepository struct {
	DB *gorm.DB
}

var _ AttendanceStore = (*AttendanceRepository)(nil)

// NewAttendanceRepository creates a new instance of AttendanceRepository
func NewAttendanceRepository(db *gorm.DB) *AttendanceRepository {
	return &AttendanceRepository{DB: db}
}

func (r *AttendanceRepository) CreateSession(session *models.AttendanceSession) error {
	if err := r.DB.Create(session).Error; err != nil {
		return fmt.Errorf("failed to create attendance session %s: %w", session.ID, err)
	}
	return nil
}

func (r *AttendanceRepository) GetSession(id string) (*models.AttendanceSession, error) {
	var session models.AttendanceSession
	if err := r.DB.Where("id = ?", id).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get attendance session %s: %w", id, err)
	}
	return &session, nil
}

func (r *AttendanceRepository) CloseSession(id string, closedAt int64) error {
	result := r.DB.Model(&models.AttendanceSession{}).Where("id = ?", id).Update("closed_at", closedAt)
	if result.Error != nil {
		return fmt.Errorf("failed to close attendance session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CurrentDecision returns the non-superseded decision for a student in a session.
func (r *AttendanceRepository) CurrentDecision(sessionID string, studentID uint) (*models.AttendanceDecision, error) {
	var decision models.AttendanceDecision
	err := r.DB.Where("session_id = ? AND student_id = ? AND superseded = ?", sessionID, studentID, false).
		Order("revision DESC").
		First(&decision).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get current decision for student %d in session %s: %w", studentID, sessionID, err)
	}
	return &decision, nil
}

// AppendDecision inserts next and, when previous is set, marks previous as
// superseded in the same transaction. The superseding update is conditional so a
// concurrent re-decision cannot leave two current rows.
func (r *AttendanceRepository) AppendDecision(previous *models.AttendanceDecision, next *models.AttendanceDecision) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		if previous != nil {
			now := time.Now().Unix()
			result := tx.Model(&models.AttendanceDecision{}).
				Where("id = ? AND superseded = ?", previous.ID, false).
				Updates(map[string]interface{}{"superseded": true, "superseded_at": now})
			if result.Error != nil {
				return fmt.Errorf("failed to supersede decision %d: %w", previous.ID, result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("decision %d was already superseded", previous.ID)
			}
			previous.Superseded = true
			previous.SupersededAt = &now
			next.PreviousID = &previous.ID
			next.Revision = previous.Revision + 1
		} else if next.Revision == 0 {
			next.Revision = 1
		}
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("failed to insert attendance decision for session %s: %w", next.SessionID, err)
		}
		return nil
	})
}

func (r *AttendanceRepository) ListCurrentDecisions(sessionID string) ([]models.AttendanceDecision, error) {
	var decisions []models.AttendanceDecision
	err := r.DB.Where("session_id = ? AND superseded = ?", sessionID, false).Order("id ASC").Find(&decisions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions for session %s: %w", sessionID, err)
	}
	return decisions, nil
}

// History returns every revision for a student in a session, oldest first.
func (r *AttendanceRepository) History(sessionID string, studentID uint) ([]models.AttendanceDecision, error) {
	var decisions []models.AttendanceDecision
	err := r.DB.Where("session_id = ? AND student_id = ?", sessionID, studentID).Order("revision ASC, id ASC").Find(&decisions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get history for student %d in session %s: %w", studentID, sessionID, err)
	}
	return decisions, nil
}

// ListDecisions returns every decision row of a session, superseded ones included, in insertion order.
func (r *AttendanceRepository) ListDecisions(sessionID string) ([]models.AttendanceDecision, error) {
	var decisions []models.AttendanceDecision
	if err := r.DB.Where("session_id = ?", sessionID).Order("id ASC").Find(&decisions).Error; err != nil {
		return nil, fmt.Errorf("failed to list decision log for session %s: %w", sessionID, err)
	}
	return decisions, nil
}
