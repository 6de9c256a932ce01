package media

import (
	"context"
	"image"
	"log"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

const (
	yuNetName    = "yunet"
	yuNetColumns = 15
)

// YuNetDetector wraps OpenCV's FaceDetectorYN. It is the lightweight backend
// tried after RetinaFace.
type YuNetDetector struct {
	mu      sync.Mutex
	det     gocv.FaceDetectorYN
	enabled bool

	ConfThreshold float32
	IoUThreshold  float32
}

var _ Detector = (*YuNetDetector)(nil)

// NewYuNetDetector loads a YuNet ONNX model. A missing model yields a disabled detector.
func NewYuNetDetector(modelPath string, confThreshold, iouThreshold float32) *YuNetDetector {
	d := &YuNetDetector{ConfThreshold: confThreshold, IoUThreshold: iouThreshold}
	if modelPath == "" {
		log.Println("detection(yunet): model path is empty, disabling YuNet detector")
		return d
	}
	if _, err := os.Stat(modelPath); err != nil {
		log.Printf("detection(yunet): model not usable at %s: %v", modelPath, err)
		return d
	}
	d.det = gocv.NewFaceDetectorYN(modelPath, "", image.Pt(320, 320))
	d.det.SetScoreThreshold(confThreshold)
	d.det.SetNMSThreshold(iouThreshold)
	d.enabled = true
	log.Printf("detection(yunet): loaded model from %s", modelPath)
	return d
}

func (y *YuNetDetector) Name() string { return yuNetName }

func (y *YuNetDetector) Available() bool {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.enabled
}

func (y *YuNetDetector) Close() {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.enabled {
		y.det.Close()
		y.enabled = false
		log.Println("detection(yunet): closed detector")
	}
}

// Detect runs YuNet at the image's own size.
func (y *YuNetDetector) Detect(ctx context.Context, img image.Image) ([]DetectedFace, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if !y.enabled {
		return nil, ErrDetectorUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := matFromImage(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	out := gocv.NewMat()
	defer out.Close()
	y.det.SetInputSize(image.Pt(mat.Cols(), mat.Rows()))
	y.det.Detect(mat, &out)

	var rows [][yuNetColumns]float32
	if out.Cols() >= yuNetColumns {
		rows = make([][yuNetColumns]float32, out.Rows())
		for i := range rows {
			for j := 0; j < yuNetColumns; j++ {
				rows[i][j] = out.GetFloatAt(i, j)
			}
		}
	}

	faces := NonMaxSuppression(FilterByConfidence(parseYuNetRows(rows, img.Bounds()), y.ConfThreshold), y.IoUThreshold)
	log.Printf("detection(yunet): %d face(s) after confidence %.2f and NMS", len(faces), y.ConfThreshold)
	return faces, nil
}

// parseYuNetRows converts FaceDetectorYN rows (x, y, w, h, five landmark pairs,
// score) into faces. YuNet lists the subject's right eye first, which is the
// image-left eye, so the pairs map onto the Landmark* order unchanged.
func parseYuNetRows(rows [][yuNetColumns]float32, bounds image.Rectangle) []DetectedFace {
	var faces []DetectedFace
	for _, row := range rows {
		box := BoundingBox{
			Left:   bounds.Min.X + int(row[0]),
			Top:    bounds.Min.Y + int(row[1]),
			Right:  bounds.Min.X + int(row[0]+row[2]),
			Bottom: bounds.Min.Y + int(row[1]+row[3]),
		}.ClampTo(bounds)
		if !box.Valid() {
			continue
		}
		pts := make([]Point2D, landmarkCount)
		for j := 0; j < landmarkCount; j++ {
			pts[j] = Point2D{X: float32(bounds.Min.X) + row[4+j*2], Y: float32(bounds.Min.Y) + row[5+j*2]}
		}
		faces = append(faces, DetectedFace{
			Box:        box,
			Confidence: row[14],
			Landmarks:  pts,
			Detector:   yuNetName,
		})
	}
	return faces
}
