package media

import (
	"context"
	"fmt"
	"image"
	"log"
	"math"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

const (
	retinaFaceInputSize = 640
	retinaFaceName      = "retinaface"
)

// PriorBox defines an anchor box (center_x, center_y, width, height)
type PriorBox struct {
	Cx, Cy, W, H float32
}

var retinaFaceVariances = [2]float32{0.1, 0.2}

// GenerateRetinaFacePriors generates the anchor grid for a RetinaFace input of imgW x imgH.
func GenerateRetinaFacePriors(imgW, imgH int) []PriorBox {
	minSizes := [][]int{{16, 32}, {64, 128}, {256, 512}}
	steps := []int{8, 16, 32}

	var priors []PriorBox
	for k, step := range steps {
		fmH := int(math.Ceil(float64(imgH) / float64(step)))
		fmW := int(math.Ceil(float64(imgW) / float64(step)))
		for i := 0; i < fmH; i++ {
			for j := 0; j < fmW; j++ {
				for _, minSize := range minSizes[k] {
					priors = append(priors, PriorBox{
						Cx: (float32(j) + 0.5) * float32(step) / float32(imgW),
						Cy: (float32(i) + 0.5) * float32(step) / float32(imgH),
						W:  float32(minSize) / float32(imgW),
						H:  float32(minSize) / float32(imgH),
					})
				}
			}
		}
	}
	return priors
}

// DecodeBox decodes a [dx, dy, dw, dh] regression into normalized corner coordinates.
func DecodeBox(rawBox [4]float32, prior PriorBox, variances [2]float32) [4]float32 {
	cx := prior.Cx + rawBox[0]*variances[0]*prior.W
	cy := prior.Cy + rawBox[1]*variances[0]*prior.H
	w := prior.W * float32(math.Exp(float64(rawBox[2]*variances[1])))
	h := prior.H * float32(math.Exp(float64(rawBox[3]*variances[1])))
	return [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2}
}

// DecodeLandmark decodes one landmark offset into normalized coordinates.
func DecodeLandmark(dx, dy float32, prior PriorBox, variances [2]float32) (float32, float32) {
	return prior.Cx + dx*variances[0]*prior.W, prior.Cy + dy*variances[0]*prior.H
}

// RetinaFaceDetector provides high-accuracy face detection with five landmarks.
type RetinaFaceDetector struct {
	mu      sync.Mutex
	net     gocv.Net
	enabled bool
	priors  []PriorBox

	MeanVal       gocv.Scalar
	ConfThreshold float32
	IoUThreshold  float32
}

var _ Detector = (*RetinaFaceDetector)(nil)

// NewRetinaFaceDetector loads the RetinaFace ONNX model. A missing or unreadable
// model yields a disabled detector.
func NewRetinaFaceDetector(modelPath string, confThreshold, iouThreshold float32) *RetinaFaceDetector {
	d := &RetinaFaceDetector{
		MeanVal:       gocv.NewScalar(104.0, 117.0, 123.0, 0),
		ConfThreshold: confThreshold,
		IoUThreshold:  iouThreshold,
	}
	if modelPath == "" {
		log.Println("detection(retinaface): model path is empty, disabling RetinaFace detector")
		return d
	}
	if _, err := os.Stat(modelPath); err != nil {
		log.Printf("detection(retinaface): model not usable at %s: %v", modelPath, err)
		return d
	}

	net, ok := loadNet("detection(retinaface)", modelPath, "")
	if !ok {
		net.Close()
		return d
	}
	d.net = net
	d.enabled = true
	d.priors = GenerateRetinaFacePriors(retinaFaceInputSize, retinaFaceInputSize)
	log.Printf("detection(retinaface): loaded model with %d priors", len(d.priors))
	return d
}

func (r *RetinaFaceDetector) Name() string { return retinaFaceName }

func (r *RetinaFaceDetector) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *RetinaFaceDetector) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		r.net.Close()
		r.enabled = false
		log.Println("detection(retinaface): closed network")
	}
}

// Detect runs RetinaFace on img.
func (r *RetinaFaceDetector) Detect(ctx context.Context, img image.Image) ([]DetectedFace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
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

	blob := gocv.BlobFromImage(mat, 1.0, image.Pt(retinaFaceInputSize, retinaFaceInputSize), r.MeanVal, false, false)
	defer blob.Close()

	r.net.SetInput(blob, "input")
	outputs := r.net.ForwardLayers([]string{"bbox", "confidence", "landmark"})
	defer func() {
		for _, m := range outputs {
			m.Close()
		}
	}()
	if len(outputs) < 3 {
		return nil, fmt.Errorf("expected 3 outputs (boxes, scores, landmarks), got %d", len(outputs))
	}

	faces, err := r.parseOutput(outputs[0], outputs[1], outputs[2], img.Bounds())
	if err != nil {
		return nil, err
	}
	faces = NonMaxSuppression(FilterByConfidence(faces, r.ConfThreshold), r.IoUThreshold)
	log.Printf("detection(retinaface): %d face(s) after confidence %.2f and NMS", len(faces), r.ConfThreshold)
	return faces, nil
}

func (r *RetinaFaceDetector) parseOutput(boxes, scores, landmarks gocv.Mat, bounds image.Rectangle) ([]DetectedFace, error) {
	sizes := boxes.Size()
	if len(sizes) < 2 {
		return nil, fmt.Errorf("unexpected bbox output shape %v", sizes)
	}
	numDetections := sizes[1]
	if numDetections != len(r.priors) {
		return nil, fmt.Errorf("priors count (%d) != detections (%d)", len(r.priors), numDetections)
	}

	imgW := float32(bounds.Dx())
	imgH := float32(bounds.Dy())
	var faces []DetectedFace

	for i := 0; i < numDetections; i++ {
		score := scores.GetFloatAt(0, i*2+1)
		if score < r.ConfThreshold {
			continue
		}

		var raw [4]float32
		for j := 0; j < 4; j++ {
			raw[j] = boxes.GetFloatAt(0, i*4+j)
		}
		decoded := DecodeBox(raw, r.priors[i], retinaFaceVariances)
		box := BoundingBox{
			Left:   bounds.Min.X + int(decoded[0]*imgW),
			Top:    bounds.Min.Y + int(decoded[1]*imgH),
			Right:  bounds.Min.X + int(decoded[2]*imgW),
			Bottom: bounds.Min.Y + int(decoded[3]*imgH),
		}.ClampTo(bounds)
		if !box.Valid() {
			continue
		}

		pts := make([]Point2D, landmarkCount)
		for j := 0; j < landmarkCount; j++ {
			lx, ly := DecodeLandmark(
				landmarks.GetFloatAt(0, i*10+j*2),
				landmarks.GetFloatAt(0, i*10+j*2+1),
				r.priors[i], retinaFaceVariances)
			pts[j] = Point2D{X: float32(bounds.Min.X) + lx*imgW, Y: float32(bounds.Min.Y) + ly*imgH}
		}

		faces = append(faces, DetectedFace{
			Box:        box,
			Confidence: score,
			Landmarks:  pts,
			Detector:   retinaFaceName,
		})
	}
	return faces, nil
}
