package models

// AttendanceStatus is the outcome recorded for a student in a session.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "PRESENT"
	StatusAbsent  AttendanceStatus = "ABSENT"
	StatusUnknown AttendanceStatus = "UNKNOWN"
)

// Valid reports whether s is one of the known statuses.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusUnknown:
		return true
	}
	return false
}

// DecisionSource records how a decision was reached.
type DecisionSource string

const (
	SourceAutoMatch        DecisionSource = "AUTO_MATCH"
	SourceSelfVerified     DecisionSource = "SELF_VERIFIED"
	SourceManualCorrection DecisionSource = "MANUAL_CORRECTION"
)

// AttendanceSession is one roll-call for a classroom.
type AttendanceSession struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"` // UUID
	ClassroomID uint   `gorm:"not null;index" json:"classroom_id"`
	StartedAt   int64  `gorm:"not null" json:"started_at"`
	ClosedAt    *int64 `json:"closed_at,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (AttendanceSession) TableName() string {
	return "attendance_sessions"
}

// AttendanceDecision rows are append-only. A re-decision marks the previous row
// superseded and links the new one through PreviousID.
type AttendanceDecision struct {
	ID             uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string           `gorm:"not null;size:36;index:idx_decision_session_student" json:"session_id"`
	StudentID      *uint            `gorm:"index:idx_decision_session_student" json:"student_id,omitempty"` // nil for unrecognised faces
	Status         AttendanceStatus `gorm:"not null" json:"status"`
	Similarity     float32          `json:"similarity"`
	DecisionSource DecisionSource   `gorm:"not null;column:decision_source" json:"decision_source"`
	DecidedAt      int64            `gorm:"not null" json:"decided_at"`
	Revision       int              `gorm:"not null;default:1" json:"revision"`
	Superseded     bool             `gorm:"not null;default:false;index" json:"superseded"`
	SupersededAt   *int64           `json:"superseded_at,omitempty"`
	PreviousID     *uint            `json:"previous_id,omitempty"`
	Actor          string           `json:"actor,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (AttendanceDecision) TableName() string {
	return "attendance_decisions"
}
