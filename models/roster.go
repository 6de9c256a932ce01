package models

// RosterEntry is a read-only view of a student used by batch enrollment.
// ReferenceImagePath is empty when the student has no source photo.
type RosterEntry struct {
	StudentID          uint   `json:"student_id"`
	ClassroomID        uint   `json:"classroom_id"`
	StudentNumber      string `json:"student_number"`
	Name               string `json:"name"`
	ReferenceImagePath string `json:"reference_image_path,omitempty"`
}

// HasReferenceImage reports whether the entry can be enrolled.
func (r RosterEntry) HasReferenceImage() bool {
	return r.ReferenceImagePath != ""
}
