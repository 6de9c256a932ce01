package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"sync"

	"github.com/disintegration/imaging"
	tflite "github.com/tphakala/go-tflite"
)

const (
	// MobileFaceNetModelVersion tags vectors from the bundled MobileFaceNet model.
	MobileFaceNetModelVersion = "mfn-new-f32"

	mobileFaceNetInputSize = 112
	mobileFaceNetDimension = 128
)

// MobileFaceNetEmbedder runs a MobileFaceNet TFLite model over a 112x112 RGB crop.
type MobileFaceNetEmbedder struct {
	mu        sync.Mutex
	interp    *tflite.Interpreter
	model     *tflite.Model
	enabled   bool
	inputW    int
	inputH    int
	dimension int
}

var _ Extractor = (*MobileFaceNetEmbedder)(nil)

// NewMobileFaceNetEmbedder loads the model at modelPath. A missing or broken
// model yields a disabled embedder whose Extract calls fail softly.
func NewMobileFaceNetEmbedder(modelPath string, threads int) *MobileFaceNetEmbedder {
	e := &MobileFaceNetEmbedder{
		inputW:    mobileFaceNetInputSize,
		inputH:    mobileFaceNetInputSize,
		dimension: mobileFaceNetDimension,
	}
	if modelPath == "" {
		log.Println("recognition: mobilefacenet model path is empty, disabling embedder")
		return e
	}

	modelData, err := os.ReadFile(modelPath)
	if err != nil {
		log.Printf("recognition: ERROR - cannot read mobilefacenet model %s: %v", modelPath, err)
		return e
	}
	model := tflite.NewModel(modelData)
	if model == nil {
		log.Printf("recognition: ERROR - cannot load TensorFlow Lite model %s", modelPath)
		return e
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(max(1, threads))
	options.SetErrorReporter(func(msg string, user_data any) {
		log.Printf("recognition: tflite error: %s", msg)
	}, nil)
	defer options.Delete()

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		log.Printf("recognition: ERROR - cannot create interpreter for %s", modelPath)
		model.Delete()
		return e
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		log.Printf("recognition: ERROR - tensor allocation failed for %s", modelPath)
		interp.Delete()
		model.Delete()
		return e
	}

	input := interp.GetInputTensor(0)
	if input.NumDims() == 4 {
		e.inputH = input.Dim(1)
		e.inputW = input.Dim(2)
	}
	output := interp.GetOutputTensor(0)
	e.dimension = output.Dim(output.NumDims() - 1)

	e.interp = interp
	e.model = model
	e.enabled = true
	log.Printf("recognition: loaded mobilefacenet (%dx%d -> %d) from %s", e.inputW, e.inputH, e.dimension, modelPath)
	return e
}

func (e *MobileFaceNetEmbedder) ModelVersion() string { return MobileFaceNetModelVersion }
func (e *MobileFaceNetEmbedder) Dimension() int       { return e.dimension }

// Available reports whether the interpreter loaded.
func (e *MobileFaceNetEmbedder) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *MobileFaceNetEmbedder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		e.interp.Delete()
		e.model.Delete()
		e.enabled = false
		log.Println("recognition: closed mobilefacenet interpreter")
	}
}

func (e *MobileFaceNetEmbedder) Extract(ctx context.Context, img image.Image, face DetectedFace) ([]float32, error) {
	crop, err := CropFace(img, face.Box)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return nil, extractionFailed(MobileFaceNetModelVersion, ErrModelUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, extractionFailed(MobileFaceNetModelVersion, err)
	}

	input := e.interp.GetInputTensor(0)
	pixels := input.Float32s()
	if len(pixels) != e.inputW*e.inputH*3 {
		return nil, extractionFailed(MobileFaceNetModelVersion,
			fmt.Errorf("input tensor holds %d values, expected %d", len(pixels), e.inputW*e.inputH*3))
	}
	copy(pixels, PreprocessMobileFaceNet(crop, e.inputW, e.inputH))

	if status := e.interp.Invoke(); status != tflite.OK {
		return nil, extractionFailed(MobileFaceNetModelVersion, errors.New("interpreter invoke failed"))
	}

	output := e.interp.GetOutputTensor(0)
	vec := make([]float32, e.dimension)
	copy(vec, output.Float32s())
	return NormalizeL2(vec), nil
}

// PreprocessMobileFaceNet resizes crop to w x h and lays it out as NHWC RGB
// float32 values scaled to [-1, 1] (p/127.5 - 1).
func PreprocessMobileFaceNet(crop image.Image, w, h int) []float32 {
	resized := imaging.Resize(crop, w, h, imaging.Linear)
	out := make([]float32, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := resized.PixOffset(x, y)
			out = append(out,
				float32(resized.Pix[i])/127.5-1,
				float32(resized.Pix[i+1])/127.5-1,
				float32(resized.Pix[i+2])/127.5-1,
			)
		}
	}
	return out
}
