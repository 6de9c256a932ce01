package models

import (
	"encoding/binary"
	"math"

	"gorm.io/gorm"
)

// FaceEmbedding is one stored face vector for a student under a given model version.
// It corresponds to the 'face_embeddings' table.
type FaceEmbedding struct {
	ID            uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	StudentID     uint           `gorm:"not null;index:idx_embedding_student_model" json:"student_id"`
	ModelVersion  string         `gorm:"not null;column:model_version;index:idx_embedding_student_model" json:"model_version"`
	EmbeddingData []byte         `gorm:"not null;column:embedding_data" json:"-"` // float32 little-endian BLOB
	Dimension     int            `gorm:"not null" json:"dimension"`
	QualityScore  float32        `gorm:"column:quality_score" json:"quality_score"`
	CreatedAt     int64          `gorm:"not null" json:"created_at"` // Unix timestamp
	UpdatedAt     int64          `gorm:"not null" json:"updated_at"` // Unix timestamp
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Student *Student `gorm:"foreignKey:StudentID" json:"student,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (FaceEmbedding) TableName() string {
	return "face_embeddings"
}

// Vector decodes the BLOB into a float32 slice. A trailing partial value is ignored.
func (fe *FaceEmbedding) Vector() []float32 {
	return DecodeVector(fe.EmbeddingData)
}

// NormalizedVector decodes the BLOB and scales it to unit length. Zero and
// non-finite vectors are returned as decoded.
func (fe *FaceEmbedding) NormalizedVector() []float32 {
	v := DecodeVector(fe.EmbeddingData)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return v
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return v
}

// SetVector encodes v into the BLOB and records its dimension.
func (fe *FaceEmbedding) SetVector(v []float32) {
	fe.EmbeddingData = EncodeVector(v)
	fe.Dimension = len(v)
}

// EncodeVector packs v as little-endian float32 values. The round trip is lossless.
func EncodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, val := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(val))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}
