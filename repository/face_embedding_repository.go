package repository

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/camden-git/attendancebackend/models"
	"gorm.io/gorm"
)

// FaceEmbeddingRepository handles database operations for FaceEmbedding entities
type FaceEmbeddingRepository struct {
	DB *gorm.DB
}

// Ensure FaceEmbeddingRepository implements EmbeddingStore
var _ EmbeddingStore = (*FaceEmbeddingRepository)(nil)

// NewFaceEmbeddingRepository creates a new instance of FaceEmbeddingRepository
func NewFaceEmbeddingRepository(db *gorm.DB) *FaceEmbeddingRepository {
	return &FaceEmbeddingRepository{DB: db}
}

// normalizedCopy validates v and returns a unit-length copy of it.
func normalizedCopy(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidVector)
	}
	var sum float64
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero norm", ErrInvalidVector)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// checkDimension rejects a vector whose length differs from rows already stored
// under modelVersion. excludeID skips the row being updated.
func checkDimension(tx *gorm.DB, modelVersion string, dim int, excludeID uint) error {
	var existing models.FaceEmbedding
	q := tx.Select("id", "dimension").Where("model_version = ?", modelVersion)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	err := q.Order("id ASC").Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check dimension for model %s: %w", modelVersion, err)
	}
	if existing.Dimension != dim {
		return fmt.Errorf("%w: model %s stores %d, got %d", ErrDimensionMismatch, modelVersion, existing.Dimension, dim)
	}
	return nil
}

// Put stores a new normalized embedding for identityID and returns its id.
func (r *FaceEmbeddingRepository) Put(identityID uint, modelVersion string, vector []float32, quality float32) (uint, error) {
	normalized, err := normalizedCopy(vector)
	if err != nil {
		return 0, err
	}
	if modelVersion == "" {
		return 0, errors.New("model version is required")
	}

	now := time.Now().Unix()
	embedding := models.FaceEmbedding{
		StudentID:    identityID,
		ModelVersion: modelVersion,
		QualityScore: quality,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	embedding.SetVector(normalized)

	err = r.DB.Transaction(func(tx *gorm.DB) error {
		if err := checkDimension(tx, modelVersion, len(normalized), 0); err != nil {
			return err
		}
		return tx.Create(&embedding).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create face embedding for student ID %d: %w", identityID, err)
	}
	return embedding.ID, nil
}

// GetAll retrieves every embedding of a student, oldest first.
func (r *FaceEmbeddingRepository) GetAll(identityID uint) ([]models.FaceEmbedding, error) {
	var embeddings []models.FaceEmbedding
	err := r.DB.Where("student_id = ?", identityID).Order("id ASC").Find(&embeddings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get embeddings for student ID %d: %w", identityID, err)
	}
	return embeddings, nil
}

// Update replaces the vector and quality of an existing embedding in place.
func (r *FaceEmbeddingRepository) Update(embeddingID uint, vector []float32, quality float32) error {
	normalized, err := normalizedCopy(vector)
	if err != nil {
		return err
	}

	return r.DB.Transaction(func(tx *gorm.DB) error {
		var current models.FaceEmbedding
		if err := tx.Select("id", "model_version").First(&current, embeddingID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return fmt.Errorf("failed to load face embedding ID %d: %w", embeddingID, err)
		}
		if err := checkDimension(tx, current.ModelVersion, len(normalized), embeddingID); err != nil {
			return err
		}

		result := tx.Model(&models.FaceEmbedding{ID: embeddingID}).Updates(map[string]interface{}{
			"embedding_data": models.EncodeVector(normalized),
			"dimension":      len(normalized),
			"quality_score":  quality,
			"updated_at":     time.Now().Unix(),
		})
		if result.Error != nil {
			return fmt.Errorf("failed to update face embedding ID %d: %w", embeddingID, result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// Delete removes a face embedding by its ID
func (r *FaceEmbeddingRepository) Delete(id uint) error {
	result := r.DB.Delete(&models.FaceEmbedding{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete face embedding ID %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetAllIdentities returns every stored embedding grouped by student, ordered by
// student id and then embedding id so callers iterate in a stable order.
func (r *FaceEmbeddingRepository) GetAllIdentities() ([]IdentityEmbeddings, error) {
	var embeddings []models.FaceEmbedding
	err := r.DB.Order("student_id ASC, id ASC").Find(&embeddings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get embeddings for identity scan: %w", err)
	}
	return groupByIdentity(embeddings), nil
}

// GetIdentitiesForModel is GetAllIdentities restricted to one model version and,
// when identityIDs is non-nil, to those students.
func (r *FaceEmbeddingRepository) GetIdentitiesForModel(modelVersion string, identityIDs []uint) ([]IdentityEmbeddings, error) {
	if identityIDs != nil && len(identityIDs) == 0 {
		return nil, nil
	}
	q := r.DB.Where("model_version = ?", modelVersion)
	if identityIDs != nil {
		q = q.Where("student_id IN ?", identityIDs)
	}
	var embeddings []models.FaceEmbedding
	if err := q.Order("student_id ASC, id ASC").Find(&embeddings).Error; err != nil {
		return nil, fmt.Errorf("failed to get %s embeddings: %w", modelVersion, err)
	}
	return groupByIdentity(embeddings), nil
}

func groupByIdentity(embeddings []models.FaceEmbedding) []IdentityEmbeddings {
	var out []IdentityEmbeddings
	for _, e := range embeddings {
		if n := len(out); n > 0 && out[n-1].IdentityID == e.StudentID {
			out[n-1].Embeddings = append(out[n-1].Embeddings, e)
			continue
		}
		out = append(out, IdentityEmbeddings{IdentityID: e.StudentID, Embeddings: []models.FaceEmbedding{e}})
	}
	return out
}
