package repository

import (
	"errors"

	"github.com/camden-git/attendancebackend/models"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the
	// vectors already stored under the same model version.
	ErrDimensionMismatch = errors.New("embedding dimension does not match model version")
	// ErrInvalidVector covers empty, zero-norm and non-finite vectors.
	ErrInvalidVector = errors.New("invalid embedding vector")
)

// IdentityEmbeddings groups every stored embedding for one student.
type IdentityEmbeddings struct {
	IdentityID uint
	Embeddings []models.FaceEmbedding
}

// EmbeddingStore is the keyed read/write interface the matching core depends on.
// Every call is a single durable unit.
type EmbeddingStore interface {
	Put(identityID uint, modelVersion string, vector []float32, quality float32) (uint, error)
	GetAll(identityID uint) ([]models.FaceEmbedding, error)
	Update(embeddingID uint, vector []float32, quality float32) error
	GetAllIdentities() ([]IdentityEmbeddings, error)
	GetIdentitiesForModel(modelVersion string, identityIDs []uint) ([]IdentityEmbeddings, error)
}

// RosterSource lists the identities of a group for batch enrollment.
type RosterSource interface {
	ListIdentities(groupID uint) ([]models.RosterEntry, error)
	StudentIDs(groupID uint) ([]uint, error)
}

// StudentRepositoryInterface defines classroom and student persistence.
type StudentRepositoryInterface interface {
	RosterSource
	CreateClassroom(classroom *models.Classroom) error
	ListClassrooms() ([]models.Classroom, error)
	GetClassroomByID(id uint) (*models.Classroom, error)
	CreateStudent(student *models.Student) error
	GetStudentByID(id uint) (*models.Student, error)
	SetReferenceImage(studentID uint, path string) error
	ListStudents(classroomID uint) ([]models.Student, error)
}

// AttendanceStore persists sessions and the append-only decision log.
type AttendanceStore interface {
	CreateSession(session *models.AttendanceSession) error
	GetSession(id string) (*models.AttendanceSession, error)
	CloseSession(id string, closedAt int64) error
	CurrentDecision(sessionID string, studentID uint) (*models.AttendanceDecision, error)
	AppendDecision(previous *models.AttendanceDecision, next *models.AttendanceDecision) error
	ListCurrentDecisions(sessionID string) ([]models.AttendanceDecision, error)
	History(sessionID string, studentID uint) ([]models.AttendanceDecision, error)
	ListDecisions(sessionID string) ([]models.AttendanceDecision, error)
}
