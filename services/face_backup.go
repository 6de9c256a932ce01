package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/camden-git/attendancebackend/models"
	"github.com/camden-git/attendancebackend/repository"
)

const backupFormatVersion = 1

// ErrUnsupportedBackup is returned for a backup document of an unknown format version.
var ErrUnsupportedBackup = errors.New("unsupported backup format")

// Rejection reasons reported by Restore.
const (
	RejectModelMismatch     = "model_mismatch"
	RejectDimensionMismatch = "dimension_mismatch"
	RejectInvalidVector     = "invalid_vector"
)

// BackupEmbedding is one stored vector. Data is the little-endian float32 BLOB
// exactly as the store holds it.
type BackupEmbedding struct {
	ModelVersion string  `json:"model_version"`
	Dimension    int     `json:"dimension"`
	QualityScore float32 `json:"quality_score"`
	Data         []byte  `json:"data"`
}

type BackupStudent struct {
	StudentNumber      string            `json:"student_number"`
	Name               string            `json:"name"`
	ReferenceImagePath string            `json:"reference_image_path,omitempty"`
	Embeddings         []BackupEmbedding `json:"embeddings"`
}

type BackupClassroom struct {
	Name     string          `json:"name"`
	Students []BackupStudent `json:"students"`
}

// FaceBackup is the JSON document written by Backup and read by Restore.
type FaceBackup struct {
	Version       int               `json:"version"`
	CreatedAt     int64             `json:"created_at"`
	TotalStudents int               `json:"total_students"`
	Classrooms    []BackupClassroom `json:"classrooms"`
}

// RestoreOptions constrains what Restore accepts. An empty ModelVersion or a
// zero Dimension accepts any. Replace deletes the student's existing rows of a
// model before its restored vectors are written.
type RestoreOptions struct {
	ModelVersion string
	Dimension    int
	Replace      bool
}

// RestoreRejection names one vector Restore refused.
type RestoreRejection struct {
	Classroom     string `json:"classroom"`
	StudentNumber string `json:"student_number"`
	ModelVersion  string `json:"model_version"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail,omitempty"`
}

type RestoreReport struct {
	ClassroomsCreated int                `json:"classrooms_created"`
	StudentsCreated   int                `json:"students_created"`
	Restored          int                `json:"restored"`
	Replaced          int                `json:"replaced"`
	Rejected          []RestoreRejection `json:"rejected"`
}

// EmbeddingRestorer is an EmbeddingStore that can also delete rows.
// repository.FaceEmbeddingRepository implements it.
type EmbeddingRestorer interface {
	repository.EmbeddingStore
	Delete(id uint) error
}

// FaceBackupService exports and imports classrooms, students and their face vectors.
type FaceBackupService struct {
	students   repository.StudentRepositoryInterface
	embeddings EmbeddingRestorer
	pools      *PoolCache
}

// NewFaceBackupService creates the service. pools may be nil.
func NewFaceBackupService(students repository.StudentRepositoryInterface, embeddings EmbeddingRestorer, pools *PoolCache) *FaceBackupService {
	return &FaceBackupService{students: students, embeddings: embeddings, pools: pools}
}

// Backup snapshots every classroom in name order with its students in creation order.
func (s *FaceBackupService) Backup() (*FaceBackup, error) {
	classrooms, err := s.students.ListClassrooms()
	if err != nil {
		return nil, err
	}

	backup := &FaceBackup{Version: backupFormatVersion, CreatedAt: time.Now().Unix(), Classrooms: []BackupClassroom{}}
	for _, class := range classrooms {
		students, err := s.students.ListStudents(class.ID)
		if err != nil {
			return nil, err
		}
		bc := BackupClassroom{Name: class.Name, Students: make([]BackupStudent, 0, len(students))}
		for _, st := range students {
			rows, err := s.embeddings.GetAll(st.ID)
			if err != nil {
				return nil, err
			}
			bs := BackupStudent{
				StudentNumber:      st.StudentNumber,
				Name:               st.Name,
				ReferenceImagePath: st.ReferenceImagePath,
				Embeddings:         make([]BackupEmbedding, 0, len(rows)),
			}
			for _, row := range rows {
				bs.Embeddings = append(bs.Embeddings, BackupEmbedding{
					ModelVersion: row.ModelVersion,
					Dimension:    row.Dimension,
					QualityScore: row.QualityScore,
					Data:         row.EmbeddingData,
				})
			}
			bc.Students = append(bc.Students, bs)
		}
		backup.TotalStudents += len(bc.Students)
		backup.Classrooms = append(backup.Classrooms, bc)
	}
	log.Printf("backup: exported %d classroom(s), %d student(s)", len(backup.Classrooms), backup.TotalStudents)
	return backup, nil
}

// Restore merges backup into the store. Classrooms match by name and students by
// student number; missing ones are created. Vectors go through the store's Put
// so they are validated and normalised like any enrollment. Refused vectors are
// listed in the report and do not stop the restore.
func (s *FaceBackupService) Restore(backup *FaceBackup, opts RestoreOptions) (*RestoreReport, error) {
	if backup == nil || backup.Version != backupFormatVersion {
		return nil, ErrUnsupportedBackup
	}

	classrooms, err := s.students.ListClassrooms()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]uint, len(classrooms))
	for _, c := range classrooms {
		byName[c.Name] = c.ID
	}

	report := &RestoreReport{Rejected: []RestoreRejection{}}
	defer func() {
		if s.pools != nil && (report.Restored > 0 || report.Replaced > 0) {
			s.pools.Invalidate()
		}
	}()

	for _, bc := range backup.Classrooms {
		classID, ok := byName[bc.Name]
		if !ok {
			class := &models.Classroom{Name: bc.Name}
			if err := s.students.CreateClassroom(class); err != nil {
				return report, fmt.Errorf("failed to restore classroom %q: %w", bc.Name, err)
			}
			classID = class.ID
			byName[bc.Name] = classID
			report.ClassroomsCreated++
		}

		existing, err := s.students.ListStudents(classID)
		if err != nil {
			return report, err
		}
		byNumber := make(map[string]uint, len(existing))
		for _, st := range existing {
			byNumber[st.StudentNumber] = st.ID
		}

		for _, bs := range bc.Students {
			studentID, ok := byNumber[bs.StudentNumber]
			if !ok {
				st := &models.Student{ClassroomID: classID, StudentNumber: bs.StudentNumber, Name: bs.Name, ReferenceImagePath: bs.ReferenceImagePath}
				if err := s.students.CreateStudent(st); err != nil {
					return report, fmt.Errorf("failed to restore student %s in %q: %w", bs.StudentNumber, bc.Name, err)
				}
				studentID = st.ID
				byNumber[bs.StudentNumber] = studentID
				report.StudentsCreated++
			}
			if err := s.restoreStudent(report, bc.Name, bs, studentID, opts); err != nil {
				return report, err
			}
		}
	}

	log.Printf("backup: restored %d vector(s), replaced %d, rejected %d, created %d classroom(s) and %d student(s)",
		report.Restored, report.Replaced, len(report.Rejected), report.ClassroomsCreated, report.StudentsCreated)
	return report, nil
}

func (s *FaceBackupService) restoreStudent(report *RestoreReport, classroom string, bs BackupStudent, studentID uint, opts RestoreOptions) error {
	reject := func(e BackupEmbedding, reason, detail string) {
		report.Rejected = append(report.Rejected, RestoreRejection{
			Classroom:     classroom,
			StudentNumber: bs.StudentNumber,
			ModelVersion:  e.ModelVersion,
			Reason:        reason,
			Detail:        detail,
		})
	}

	type accepted struct {
		entry  BackupEmbedding
		vector []float32
	}
	var keep []accepted
	for _, e := range bs.Embeddings {
		if opts.ModelVersion != "" && e.ModelVersion != opts.ModelVersion {
			reject(e, RejectModelMismatch, fmt.Sprintf("expected %s", opts.ModelVersion))
			continue
		}
		vec := models.DecodeVector(e.Data)
		if len(e.Data)%4 != 0 || len(vec) != e.Dimension || (opts.Dimension > 0 && len(vec) != opts.Dimension) {
			reject(e, RejectDimensionMismatch, fmt.Sprintf("declared %d, decoded %d bytes", e.Dimension, len(e.Data)))
			continue
		}
		keep = append(keep, accepted{entry: e, vector: vec})
	}

	if opts.Replace && len(keep) > 0 {
		restoring := make(map[string]bool)
		for _, a := range keep {
			restoring[a.entry.ModelVersion] = true
		}
		rows, err := s.embeddings.GetAll(studentID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !restoring[row.ModelVersion] {
				continue
			}
			if err := s.embeddings.Delete(row.ID); err != nil {
				return err
			}
			report.Replaced++
		}
	}

	for _, a := range keep {
		_, err := s.embeddings.Put(studentID, a.entry.ModelVersion, a.vector, a.entry.QualityScore)
		switch {
		case errors.Is(err, repository.ErrDimensionMismatch):
			reject(a.entry, RejectDimensionMismatch, err.Error())
		case errors.Is(err, repository.ErrInvalidVector):
			reject(a.entry, RejectInvalidVector, err.Error())
		case err != nil:
			return err
		default:
			report.Restored++
		}
	}
	return nil
}
