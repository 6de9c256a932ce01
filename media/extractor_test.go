package media

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func l2(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestNormalizeL2(t *testing.T) {
	v := NormalizeL2([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := NormalizeL2([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, zero)
}

func TestQualityBands(t *testing.T) {
	tests := []struct {
		w, h int
		want float32
	}{
		{50, 300, 0.3},
		{99, 99, 0.3},
		{100, 100, 0.6},
		{223, 400, 0.6},
		{224, 224, 0.9},
		{512, 512, 0.9},
		{513, 600, 0.8},
	}
	for _, tt := range tests {
		got := AssessQuality(image.NewNRGBA(image.Rect(0, 0, tt.w, tt.h)))
		assert.InDelta(t, tt.want, got, 1e-6, "%dx%d", tt.w, tt.h)
	}
	assert.Zero(t, AssessQuality(nil))
}

func fullFace() DetectedFace {
	smile := float32(0.7)
	left := float32(0.9)
	right := float32(1.4)
	return DetectedFace{
		Box:        box(10, 10, 110, 130),
		Confidence: 0.95,
		Landmarks: []Point2D{
			{X: 40, Y: 50}, {X: 80, Y: 50}, {X: 60, Y: 75}, {X: 45, Y: 100}, {X: 75, Y: 100},
		},
		SmilingProbability:      &smile,
		LeftEyeOpenProbability:  &left,
		RightEyeOpenProbability: &right,
	}
}

func TestGeometricExtractorProducesUnitVector(t *testing.T) {
	g := GeometricExtractor{}
	vec, err := g.Extract(context.Background(), solidImage(200, 200), fullFace())
	require.NoError(t, err)
	assert.Len(t, vec, GeometricDimension)
	assert.InDelta(t, 1.0, l2(vec), 1e-5)
	assert.Equal(t, GeometricModelVersion, g.ModelVersion())
}

func TestGeometricExtractorIsDeterministic(t *testing.T) {
	img := solidImage(200, 200)
	a, err := GeometricExtractor{}.Extract(context.Background(), img, fullFace())
	require.NoError(t, err)
	b, err := GeometricExtractor{}.Extract(context.Background(), img, fullFace())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGeometricExtractorZeroFillsMissingLandmarks(t *testing.T) {
	face := DetectedFace{Box: box(10, 10, 110, 130), Confidence: 0.9}
	vec, err := GeometricExtractor{}.Extract(context.Background(), solidImage(200, 200), face)
	require.NoError(t, err)
	require.Len(t, vec, GeometricDimension)
	assert.NotZero(t, vec[0])
	for i := 1; i < geometricSlots; i++ {
		assert.Zero(t, vec[i], "slot %d", i)
	}
	assert.InDelta(t, 1.0, l2(vec), 1e-5)
}

func TestGeometricExtractorClampsProbabilities(t *testing.T) {
	out := make([]float32, geometricSlots)
	geometricFeatures(fullFace(), out)
	assert.InDelta(t, 0.7, out[18], 1e-6)
	assert.InDelta(t, 0.9, out[19], 1e-6)
	assert.InDelta(t, 1.0, out[20], 1e-6)
}

func TestExtractFailsSoftlyOutsideImage(t *testing.T) {
	face := DetectedFace{Box: box(500, 500, 600, 600)}
	_, err := GeometricExtractor{}.Extract(context.Background(), solidImage(100, 100), face)
	assert.ErrorIs(t, err, ErrExtractionFailed)

	_, err = CropFace(nil, box(0, 0, 1, 1))
	assert.ErrorIs(t, err, ErrExtractionFailed)
}

func TestCropFaceClampsToBounds(t *testing.T) {
	crop, err := CropFace(solidImage(100, 80), box(-20, 50, 60, 200))
	require.NoError(t, err)
	assert.Equal(t, 60, crop.Bounds().Dx())
	assert.Equal(t, 30, crop.Bounds().Dy())
}

type slowExtractor struct {
	delay time.Duration
	err   error
}

func (s slowExtractor) ModelVersion() string { return "slow" }
func (s slowExtractor) Dimension() int       { return 2 }

func (s slowExtractor) Extract(ctx context.Context, img image.Image, face DetectedFace) ([]float32, error) {
	select {
	case <-time.After(s.delay):
		return []float32{1, 0}, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestWithTimeoutReportsSoftFailure(t *testing.T) {
	e := WithTimeout(slowExtractor{delay: time.Second}, 10*time.Millisecond)
	_, err := e.Extract(context.Background(), solidImage(10, 10), DetectedFace{})
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "slow", e.ModelVersion())
}

func TestWithTimeoutPassesResults(t *testing.T) {
	e := WithTimeout(slowExtractor{}, time.Second)
	vec, err := e.Extract(context.Background(), solidImage(10, 10), DetectedFace{})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)

	boom := errors.New("boom")
	_, err = WithTimeout(slowExtractor{err: boom}, time.Second).Extract(context.Background(), nil, DetectedFace{})
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.ErrorIs(t, err, boom)

	inner := slowExtractor{}
	assert.Equal(t, inner, WithTimeout(inner, 0))
}

func TestPreprocessMobileFaceNetRange(t *testing.T) {
	out := PreprocessMobileFaceNet(solidImage(50, 60), 112, 112)
	require.Len(t, out, 112*112*3)
	for _, v := range out {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.LessOrEqual(t, v, float32(1))
	}
	// blue channel is constant 128 in solidImage
	assert.InDelta(t, 128.0/127.5-1, out[2], 0.01)
}

func TestDisabledEmbeddersFailSoftly(t *testing.T) {
	mfn := NewMobileFaceNetEmbedder("", 1)
	assert.False(t, mfn.Available())
	assert.Equal(t, 128, mfn.Dimension())
	_, err := mfn.Extract(context.Background(), solidImage(200, 200), fullFace())
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.ErrorIs(t, err, ErrModelUnavailable)

	onnx := NewONNXEmbedder("", ArcFaceModelVersion, 512)
	assert.False(t, onnx.Available())
	_, err = onnx.Extract(context.Background(), solidImage(200, 200), fullFace())
	assert.ErrorIs(t, err, ErrModelUnavailable)
}
