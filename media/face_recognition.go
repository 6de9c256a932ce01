package media

import (
	"context"
	"errors"
	"image"
	"log"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// ArcFaceModelVersion tags vectors from the ONNX ArcFace model.
const ArcFaceModelVersion = "arcface-onnx"

// ONNXEmbedder provides face embedding extraction through an OpenCV DNN model
// (ArcFace style: 112x112 RGB input scaled to [0,1]).
type ONNXEmbedder struct {
	mu           sync.Mutex
	net          gocv.Net
	enabled      bool
	modelVersion string
	dimension    int

	InputSizeW  int
	InputSizeH  int
	ScaleFactor float64
}

var _ Extractor = (*ONNXEmbedder)(nil)

// NewONNXEmbedder loads a recognition model. dimension is the expected output
// length; it is corrected from the first inference if the model disagrees.
func NewONNXEmbedder(modelPath, modelVersion string, dimension int) *ONNXEmbedder {
	e := &ONNXEmbedder{
		modelVersion: modelVersion,
		dimension:    dimension,
		InputSizeW:   112,
		InputSizeH:   112,
		ScaleFactor:  1.0 / 255.0,
	}
	if modelPath == "" {
		log.Println("recognition: model path is empty, disabling face recognition")
		return e
	}
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		log.Printf("recognition: ERROR - Model file does not exist: %s", modelPath)
		return e
	}

	net, ok := loadNet("recognition", modelPath, "")
	if !ok {
		net.Close()
		return e
	}
	e.net = net
	e.enabled = true
	log.Printf("recognition: successfully loaded %s model", modelVersion)
	return e
}

func (e *ONNXEmbedder) ModelVersion() string { return e.modelVersion }

func (e *ONNXEmbedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimension
}

// Available reports whether the network loaded.
func (e *ONNXEmbedder) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *ONNXEmbedder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		e.net.Close()
		e.enabled = false
		log.Printf("recognition: closed %s network", e.modelVersion)
	}
}

// Extract crops the face, runs the network and returns the normalized output.
func (e *ONNXEmbedder) Extract(ctx context.Context, img image.Image, face DetectedFace) ([]float32, error) {
	crop, err := CropFace(img, face.Box)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return nil, extractionFailed(e.modelVersion, ErrModelUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, extractionFailed(e.modelVersion, err)
	}

	faceRegion, err := matFromImage(crop)
	if err != nil {
		return nil, extractionFailed(e.modelVersion, err)
	}
	defer faceRegion.Close()

	// swapRB turns the BGR mat into the RGB order ArcFace expects
	blob := gocv.BlobFromImage(faceRegion, e.ScaleFactor, image.Pt(e.InputSizeW, e.InputSizeH), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	defer output.Close()

	embedding := flattenOutput(output)
	if len(embedding) == 0 {
		return nil, extractionFailed(e.modelVersion, errors.New("model returned an empty output"))
	}
	if len(embedding) != e.dimension {
		log.Printf("recognition: %s output length %d differs from configured %d, using model output", e.modelVersion, len(embedding), e.dimension)
		e.dimension = len(embedding)
	}
	return NormalizeL2(embedding), nil
}

// flattenOutput copies a network output into a flat float32 slice.
func flattenOutput(output gocv.Mat) []float32 {
	if output.Empty() || len(output.Size()) == 0 {
		return nil
	}
	flattened := output.Reshape(1, 1)
	defer flattened.Close()

	embedding := make([]float32, flattened.Cols())
	for i := range embedding {
		embedding[i] = flattened.GetFloatAt(0, i)
	}
	return embedding
}
