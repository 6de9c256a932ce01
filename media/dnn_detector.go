package media

import (
	"context"
	"image"
	"log"
	"sync"

	"gocv.io/x/gocv"
)

const dnnDetectorName = "dnn-ssd"

// DNNFaceDetector wraps the res10 300x300 SSD Caffe model. It is lighter than
// RetinaFace and reports no landmarks.
type DNNFaceDetector struct {
	mu      sync.Mutex
	net     gocv.Net
	enabled bool

	InputSizeW    int
	InputSizeH    int
	ScaleFactor   float64
	MeanVal       gocv.Scalar
	ConfThreshold float32
	IoUThreshold  float32
}

var _ Detector = (*DNNFaceDetector)(nil)

// NewDNNFaceDetector loads the DNN model
func NewDNNFaceDetector(configPath, modelPath string, confThreshold, iouThreshold float32) *DNNFaceDetector {
	d := &DNNFaceDetector{
		InputSizeW:    300,
		InputSizeH:    300,
		ScaleFactor:   1.0,
		MeanVal:       gocv.NewScalar(104.0, 177.0, 123.0, 0),
		ConfThreshold: confThreshold,
		IoUThreshold:  iouThreshold,
	}
	if configPath == "" || modelPath == "" {
		log.Println("detection(dnn): config or model path is empty, disabling DNN detector")
		return d
	}

	net, ok := loadNet("detection(dnn)", modelPath, configPath)
	if !ok {
		net.Close()
		return d
	}
	d.net = net
	d.enabled = true
	return d
}

func (d *DNNFaceDetector) Name() string { return dnnDetectorName }

func (d *DNNFaceDetector) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *DNNFaceDetector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		d.net.Close()
		d.enabled = false
		log.Println("detection(dnn): closed network")
	}
}

// Detect runs the SSD network over img.
func (d *DNNFaceDetector) Detect(ctx context.Context, img image.Image) ([]DetectedFace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
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

	bounds := img.Bounds()
	imgW := float32(bounds.Dx())
	imgH := float32(bounds.Dy())

	blob := gocv.BlobFromImage(mat, d.ScaleFactor, image.Pt(d.InputSizeW, d.InputSizeH), d.MeanVal, false, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	detectionsMat := d.net.Forward("")
	defer detectionsMat.Close()

	sizes := detectionsMat.Size()
	if len(sizes) < 4 {
		log.Printf("detection(dnn): Warning - Unexpected output matrix dimensions: %v", sizes)
		return []DetectedFace{}, nil
	}
	numDetections := sizes[2]
	if numDetections == 0 {
		return []DetectedFace{}, nil
	}

	// [1,1,N,7] viewed as N rows of 7 columns
	rows := detectionsMat.Reshape(1, numDetections)
	defer rows.Close()

	var faces []DetectedFace
	for i := 0; i < numDetections; i++ {
		confidence := rows.GetFloatAt(i, 2)
		if confidence < d.ConfThreshold {
			continue
		}
		box := BoundingBox{
			Left:   bounds.Min.X + int(rows.GetFloatAt(i, 3)*imgW),
			Top:    bounds.Min.Y + int(rows.GetFloatAt(i, 4)*imgH),
			Right:  bounds.Min.X + int(rows.GetFloatAt(i, 5)*imgW),
			Bottom: bounds.Min.Y + int(rows.GetFloatAt(i, 6)*imgH),
		}.ClampTo(bounds)
		if !box.Valid() {
			continue
		}
		faces = append(faces, DetectedFace{Box: box, Confidence: confidence, Detector: dnnDetectorName})
	}

	faces = NonMaxSuppression(faces, d.IoUThreshold)
	log.Printf("detection(dnn): found %d face(s)", len(faces))
	return faces, nil
}
