package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/camden-git/attendancebackend/database"
	"github.com/camden-git/attendancebackend/models"
	"gorm.io/gorm"
)

// StudentRepository handles classrooms, students and roster reads.
type StudentRepository struct {
	DB *gorm.DB
}

var _ StudentRepositoryInterface = (*StudentRepository)(nil)

// NewStudentRepository creates a new instance of StudentRepository
func NewStudentRepository(db *gorm.DB) *StudentRepository {
	return &StudentRepository{DB: db}
}

func (r *StudentRepository) CreateClassroom(classroom *models.Classroom) error {
	now := time.Now().Unix()
	classroom.CreatedAt = now
	classroom.UpdatedAt = now
	if err := r.DB.Create(classroom).Error; err != nil {
		return fmt.Errorf("failed to create classroom '%s': %w", classroom.Name, err)
	}
	return nil
}

func (r *StudentRepository) ListClassrooms() ([]models.Classroom, error) {
	var classrooms []models.Classroom
	if err := r.DB.Order("name ASC").Find(&classrooms).Error; err != nil {
		return nil, fmt.Errorf("failed to list classrooms: %w", err)
	}
	return classrooms, nil
}

func (r *StudentRepository) GetClassroomByID(id uint) (*models.Classroom, error) {
	var classroom models.Classroom
	if err := r.DB.First(&classroom, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get classroom by ID %d: %w", id, err)
	}
	return &classroom, nil
}

func (r *StudentRepository) CreateStudent(student *models.Student) error {
	now := time.Now().Unix()
	student.CreatedAt = now
	student.UpdatedAt = now
	if err := r.DB.Create(student).Error; err != nil {
		return fmt.Errorf("failed to create student '%s': %w", student.StudentNumber, err)
	}
	return nil
}

func (r *StudentRepository) GetStudentByID(id uint) (*models.Student, error) {
	var student models.Student
	if err := r.DB.First(&student, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get student by ID %d: %w", id, err)
	}
	return &student, nil
}

// SetReferenceImage records the stored reference photo path for a student.
func (r *StudentRepository) SetReferenceImage(studentID uint, path string) error {
	result := r.DB.Model(&models.Student{}).Where("id = ?", studentID).
		Updates(map[string]interface{}{"reference_image_path": path, "updated_at": time.Now().Unix()})
	if result.Error != nil {
		return fmt.Errorf("failed to set reference image for student %d: %w", studentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *StudentRepository) ListStudents(classroomID uint) ([]models.Student, error) {
	var students []models.Student
	if err := r.DB.Where("classroom_id = ?", classroomID).Order("id ASC").Find(&students).Error; err != nil {
		return nil, fmt.Errorf("failed to list students for classroom %d: %w", classroomID, err)
	}
	return students, nil
}

// ListIdentities returns the classroom roster in natural student-number order.
func (r *StudentRepository) ListIdentities(groupID uint) ([]models.RosterEntry, error) {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return database.ListRoster(sqlDB, groupID)
}

// StudentIDs returns the ids of a classroom's students.
func (r *StudentRepository) StudentIDs(groupID uint) ([]uint, error) {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return database.StudentIDsForClassroom(sqlDB, groupID)
}
