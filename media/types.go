package media

import "image"

// Point2D is a landmark position in source-image pixels.
type Point2D struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Landmark indices within DetectedFace.Landmarks, in the order the landmark
// backends emit them.
const (
	LandmarkLeftEye = iota
	LandmarkRightEye
	LandmarkNose
	LandmarkMouthLeft
	LandmarkMouthRight

	landmarkCount
)

// BoundingBox is an axis-aligned rectangle in source-image pixel coordinates.
type BoundingBox struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (b BoundingBox) Width() int  { return b.Right - b.Left }
func (b BoundingBox) Height() int { return b.Bottom - b.Top }

// Valid reports whether the box has positive width and height.
func (b BoundingBox) Valid() bool {
	return b.Right > b.Left && b.Bottom > b.Top
}

func (b BoundingBox) Area() int {
	if !b.Valid() {
		return 0
	}
	return b.Width() * b.Height()
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// ClampTo returns the box intersected with bounds. The result may be invalid.
func (b BoundingBox) ClampTo(bounds image.Rectangle) BoundingBox {
	return BoundingBox{
		Left:   maxInt(b.Left, bounds.Min.X),
		Top:    maxInt(b.Top, bounds.Min.Y),
		Right:  minInt(b.Right, bounds.Max.X),
		Bottom: minInt(b.Bottom, bounds.Max.Y),
	}
}

// DetectedFace is one candidate face produced by a single detection pass.
type DetectedFace struct {
	Box        BoundingBox `json:"box"`
	Confidence float32     `json:"confidence"`
	// Landmarks is nil or holds landmarkCount points ordered by the Landmark* indices.
	Landmarks []Point2D `json:"landmarks,omitempty"`
	Detector  string    `json:"detector"`

	SmilingProbability      *float32 `json:"smiling_probability,omitempty"`
	LeftEyeOpenProbability  *float32 `json:"left_eye_open_probability,omitempty"`
	RightEyeOpenProbability *float32 `json:"right_eye_open_probability,omitempty"`
}

// Landmark returns the point at idx when the face carries a full landmark set.
func (f DetectedFace) Landmark(idx int) (Point2D, bool) {
	if len(f.Landmarks) != landmarkCount || idx < 0 || idx >= landmarkCount {
		return Point2D{}, false
	}
	return f.Landmarks[idx], true
}
