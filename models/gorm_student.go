package models

// Classroom groups students for roster-scoped enrollment and identification.
// It corresponds to the 'classrooms' table.
type Classroom struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string `gorm:"not null;uniqueIndex" json:"name"`
	CreatedAt int64  `gorm:"not null" json:"created_at"` // Unix timestamp
	UpdatedAt int64  `gorm:"not null" json:"updated_at"` // Unix timestamp

	Students []Student `gorm:"foreignKey:ClassroomID;constraint:OnDelete:CASCADE" json:"students,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Classroom) TableName() string {
	return "classrooms"
}

// Student is an enrolled identity. ReferenceImagePath is optional; students
// without one are not picked up by batch enrollment.
type Student struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ClassroomID        uint   `gorm:"not null;index" json:"classroom_id"`
	StudentNumber      string `gorm:"not null;column:student_number" json:"student_number"`
	Name               string `gorm:"not null" json:"name"`
	ReferenceImagePath string `gorm:"column:reference_image_path" json:"reference_image_path,omitempty"`
	CreatedAt          int64  `gorm:"not null" json:"created_at"`
	UpdatedAt          int64  `gorm:"not null" json:"updated_at"`

	Embeddings []FaceEmbedding `gorm:"foreignKey:StudentID;constraint:OnDelete:CASCADE" json:"embeddings,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Student) TableName() string {
	return "students"
}
