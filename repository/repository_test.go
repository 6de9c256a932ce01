package repository

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/camden-git/attendancebackend/database"
	"github.com/camden-git/attendancebackend/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.InitGormDB(dsn, "silent")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrateModels(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func vec(values ...float32) []float32 { return values }

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestEmbeddingPutNormalizesAndRoundTrips(t *testing.T) {
	repo := NewFaceEmbeddingRepository(newTestDB(t))

	id, err := repo.Put(7, "geo-v1", vec(3, 4, 0), 0.9)
	require.NoError(t, err)
	assert.NotZero(t, id)

	stored, err := repo.GetAll(7)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	v := stored[0].Vector()
	assert.Equal(t, []float32{0.6, 0.8, 0}, v)
	assert.InDelta(t, 1.0, norm(v), 1e-6)
	assert.Equal(t, 3, stored[0].Dimension)
	assert.Equal(t, "geo-v1", stored[0].ModelVersion)
	assert.InDelta(t, 0.9, stored[0].QualityScore, 1e-6)
}

func TestEmbeddingPutRejectsInvalidVectors(t *testing.T) {
	repo := NewFaceEmbeddingRepository(newTestDB(t))

	_, err := repo.Put(1, "geo-v1", nil, 0.5)
	assert.ErrorIs(t, err, ErrInvalidVector)

	_, err = repo.Put(1, "geo-v1", vec(0, 0, 0), 0.5)
	assert.ErrorIs(t, err, ErrInvalidVector)

	_, err = repo.Put(1, "geo-v1", vec(1, float32(math.NaN())), 0.5)
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestEmbeddingDimensionIsFixedPerModel(t *testing.T) {
	repo := NewFaceEmbeddingRepository(newTestDB(t))

	_, err := repo.Put(1, "geo-v1", vec(1, 0, 0), 0.5)
	require.NoError(t, err)

	_, err = repo.Put(2, "geo-v1", vec(1, 0), 0.5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// another model version may use another length
	_, err = repo.Put(2, "mfn-new-f32", vec(1, 0), 0.5)
	assert.NoError(t, err)
}

func TestEmbeddingUpdate(t *testing.T) {
	repo := NewFaceEmbeddingRepository(newTestDB(t))

	id, err := repo.Put(1, "geo-v1", vec(1, 0), 0.3)
	require.NoError(t, err)

	require.NoError(t, repo.Update(id, vec(0, 2), 0.8))
	stored, err := repo.GetAll(1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []float32{0, 1}, stored[0].Vector())
	assert.InDelta(t, 0.8, stored[0].QualityScore, 1e-6)

	err = repo.Update(id, vec(1, 0, 0), 0.8)
	assert.NoError(t, err, "sole row of a model may change its own dimension")

	err = repo.Update(9999, vec(1, 0, 0), 0.8)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestGetAllIdentitiesStableOrder(t *testing.T) {
	repo := NewFaceEmbeddingRepository(newTestDB(t))

	for _, p := range []struct {
		id    uint
		model string
	}{{3, "geo-v1"}, {1, "geo-v1"}, {3, "geo-v1"}, {2, "mfn-new-f32"}} {
		_, err := repo.Put(p.id, p.model, vec(1, 1), 0.5)
		require.NoError(t, err)
	}

	all, err := repo.GetAllIdentities()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uint{1, 2, 3}, []uint{all[0].IdentityID, all[1].IdentityID, all[2].IdentityID})
	assert.Len(t, all[2].Embeddings, 2)
	assert.Less(t, all[2].Embeddings[0].ID, all[2].Embeddings[1].ID)

	geo, err := repo.GetIdentitiesForModel("geo-v1", []uint{3})
	require.NoError(t, err)
	require.Len(t, geo, 1)
	assert.Equal(t, uint(3), geo[0].IdentityID)

	none, err := repo.GetIdentitiesForModel("geo-v1", []uint{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAttendanceAppendSupersedes(t *testing.T) {
	repo := NewAttendanceRepository(newTestDB(t))
	require.NoError(t, repo.CreateSession(&models.AttendanceSession{ID: "s-1", ClassroomID: 1, StartedAt: 1}))

	student := uint(5)
	first := &models.AttendanceDecision{SessionID: "s-1", StudentID: &student, Status: models.StatusUnknown,
		DecisionSource: models.SourceAutoMatch, DecidedAt: 1}
	require.NoError(t, repo.AppendDecision(nil, first))
	assert.Equal(t, 1, first.Revision)

	second := &models.AttendanceDecision{SessionID: "s-1", StudentID: &student, Status: models.StatusPresent,
		DecisionSource: models.SourceManualCorrection, DecidedAt: 2, Actor: "mr.lee", Reason: "seen in class"}
	require.NoError(t, repo.AppendDecision(first, second))
	assert.Equal(t, 2, second.Revision)
	require.NotNil(t, second.PreviousID)
	assert.Equal(t, first.ID, *second.PreviousID)

	current, err := repo.CurrentDecision("s-1", student)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)

	// superseding an already superseded row fails
	third := &models.AttendanceDecision{SessionID: "s-1", StudentID: &student, Status: models.StatusAbsent,
		DecisionSource: models.SourceManualCorrection, DecidedAt: 3}
	assert.Error(t, repo.AppendDecision(first, third))

	history, err := repo.History("s-1", student)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Superseded)
	assert.False(t, history[1].Superseded)

	current2, err := repo.ListCurrentDecisions("s-1")
	require.NoError(t, err)
	assert.Len(t, current2, 1)
}

func TestStudentRepositoryRoster(t *testing.T) {
	repo := NewStudentRepository(newTestDB(t))

	class := &models.Classroom{Name: "Physics"}
	require.NoError(t, repo.CreateClassroom(class))
	require.NoError(t, repo.CreateStudent(&models.Student{ClassroomID: class.ID, StudentNumber: "A10", Name: "B"}))
	require.NoError(t, repo.CreateStudent(&models.Student{ClassroomID: class.ID, StudentNumber: "A9", Name: "A", ReferenceImagePath: "a.jpg"}))

	roster, err := repo.ListIdentities(class.ID)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "A9", roster[0].StudentNumber)

	ids, err := repo.StudentIDs(class.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = repo.GetStudentByID(12345)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestStudentRepositorySetReferenceImage(t *testing.T) {
	repo := NewStudentRepository(newTestDB(t))

	class := &models.Classroom{Name: "Chemistry"}
	require.NoError(t, repo.CreateClassroom(class))
	student := &models.Student{ClassroomID: class.ID, StudentNumber: "7", Name: "C"}
	require.NoError(t, repo.CreateStudent(student))

	require.NoError(t, repo.SetReferenceImage(student.ID, "1/ref.jpg"))
	got, err := repo.GetStudentByID(student.ID)
	require.NoError(t, err)
	assert.Equal(t, "1/ref.jpg", got.ReferenceImagePath)

	assert.ErrorIs(t, repo.SetReferenceImage(999, "x.jpg"), gorm.ErrRecordNotFound)
}
