package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/attendancebackend/media"
)

type stubDetector struct {
	faces []media.DetectedFace
	err   error
}

func (d *stubDetector) Name() string    { return "stub" }
func (d *stubDetector) Available() bool { return true }
func (d *stubDetector) Close()          {}
func (d *stubDetector) Detect(ctx context.Context, img image.Image) ([]media.DetectedFace, error) {
	return d.faces, d.err
}

// stubExtractor maps a face (by its box Left coordinate) to a fixed vector.
type stubExtractor struct {
	mu      sync.Mutex
	model   string
	vectors map[int][]float32
	fail    map[int]error
	calls   int
}

func (e *stubExtractor) ModelVersion() string { return e.model }
func (e *stubExtractor) Dimension() int       { return 4 }
func (e *stubExtractor) Extract(ctx context.Context, img image.Image, face media.DetectedFace) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if err, ok := e.fail[face.Box.Left]; ok {
		return nil, err
	}
	if v, ok := e.vectors[face.Box.Left]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no vector for face at %d", face.Box.Left)
}

type stubPools struct {
	pool      []Candidate
	err       error
	lastClass *uint
}

func (p *stubPools) Pool(modelVersion string, classroomID *uint) ([]Candidate, error) {
	p.lastClass = classroomID
	return p.pool, p.err
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes []string
	extracts int
}

func (o *countingObserver) ObserveExtraction(model string, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.extracts++
}

func (o *countingObserver) ObserveMatch(mode, outcome string, similarity float32, compared bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, mode+":"+outcome)
}

func faceAt(left int) media.DetectedFace {
	return media.DetectedFace{Box: media.BoundingBox{Left: left, Top: 10, Right: left + 150, Bottom: 160}, Confidence: 0.9}
}

func blankImage() image.Image { return image.NewNRGBA(image.Rect(0, 0, 800, 400)) }

func TestDetectAndRecognizeNoFace(t *testing.T) {
	ext := &stubExtractor{model: "m"}
	obs := &countingObserver{}
	svc := NewRecognitionService(&stubDetector{faces: []media.DetectedFace{}}, ext, NewMatchingEngine(0.75, 0), &stubPools{}, 0, obs)

	matches, err := svc.DetectAndRecognize(context.Background(), blankImage(), nil)
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Empty(t, matches)
	assert.Zero(t, ext.calls)
	assert.Equal(t, []string{"identify:no_face"}, obs.outcomes)
}

func TestDetectAndRecognizeMultipleFaces(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	b := []float32{0, 1, 0, 0}
	ext := &stubExtractor{
		model:   "m",
		vectors: map[int][]float32{0: a, 200: b, 600: {0, 0, 1, 0}},
		fail:    map[int]error{400: fmt.Errorf("%w: crop", media.ErrExtractionFailed)},
	}
	pools := &stubPools{pool: []Candidate{candidate(1, "m", a), candidate(2, "m", b)}}
	det := &stubDetector{faces: []media.DetectedFace{faceAt(0), faceAt(200), faceAt(400), faceAt(600)}}
	class := uint(5)

	svc := NewRecognitionService(det, ext, NewMatchingEngine(0.75, 0), pools, 0, nil)
	matches, err := svc.DetectAndRecognize(context.Background(), blankImage(), &class)
	require.NoError(t, err)
	require.Len(t, matches, 4)

	assert.Equal(t, uint(1), *matches[0].Result.IdentityID)
	assert.Equal(t, uint(2), *matches[1].Result.IdentityID)
	assert.Equal(t, OutcomeExtractionFailed, matches[2].Result.Outcome)
	assert.NotEmpty(t, matches[2].Error)
	assert.Equal(t, OutcomeBelowThreshold, matches[3].Result.Outcome)
	assert.InDelta(t, 0.6, matches[0].Quality, 1e-6)
	assert.Equal(t, &class, pools.lastClass)
}

func TestDetectAndRecognizeDedupesSameStudent(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	ext := &stubExtractor{model: "m", vectors: map[int][]float32{0: {0.9, 0.1, 0, 0}, 200: a}}
	pools := &stubPools{pool: []Candidate{candidate(1, "m", a)}}
	det := &stubDetector{faces: []media.DetectedFace{faceAt(0), faceAt(200)}}

	svc := NewRecognitionService(det, ext, NewMatchingEngine(0.75, 0), pools, 0, nil)
	matches, err := svc.DetectAndRecognize(context.Background(), blankImage(), nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.True(t, matches[0].Duplicate)
	assert.False(t, matches[0].Result.Matched)
	assert.True(t, matches[1].Result.Matched)
}

func TestDetectAndRecognizeQualityGate(t *testing.T) {
	ext := &stubExtractor{model: "m", vectors: map[int][]float32{0: {1, 0, 0, 0}}}
	small := media.DetectedFace{Box: media.BoundingBox{Left: 0, Top: 0, Right: 50, Bottom: 50}}
	svc := NewRecognitionService(&stubDetector{faces: []media.DetectedFace{small}}, ext, NewMatchingEngine(0.75, 0), &stubPools{}, 0.5, nil)

	matches, err := svc.DetectAndRecognize(context.Background(), blankImage(), nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, OutcomeExtractionFailed, matches[0].Result.Outcome)
	assert.InDelta(t, 0.3, matches[0].Quality, 1e-6)
	assert.Zero(t, ext.calls)
}

func TestDetectAndRecognizeErrors(t *testing.T) {
	boom := errors.New("db down")
	svc := NewRecognitionService(&stubDetector{faces: []media.DetectedFace{faceAt(0)}}, &stubExtractor{model: "m"}, NewMatchingEngine(0.75, 0), &stubPools{err: boom}, 0, nil)
	_, err := svc.DetectAndRecognize(context.Background(), blankImage(), nil)
	assert.ErrorIs(t, err, boom)

	svc = NewRecognitionService(&stubDetector{err: boom}, &stubExtractor{model: "m"}, NewMatchingEngine(0.75, 0), &stubPools{}, 0, nil)
	_, err = svc.DetectAndRecognize(context.Background(), blankImage(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestVerifySelf(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	ext := &stubExtractor{model: "m", vectors: map[int][]float32{0: {0, 1, 0, 0}, 200: a}}
	pools := &stubPools{pool: []Candidate{candidate(1, "m", a), candidate(2, "m", []float32{0, 1, 0, 0})}}
	big := media.DetectedFace{Box: media.BoundingBox{Left: 200, Top: 0, Right: 500, Bottom: 300}, Confidence: 0.7}
	det := &stubDetector{faces: []media.DetectedFace{faceAt(0), big}}
	obs := &countingObserver{}

	svc := NewRecognitionService(det, ext, NewMatchingEngine(0.75, 0.8), pools, 0, obs)

	got, err := svc.VerifySelf(context.Background(), blankImage(), 1)
	require.NoError(t, err)
	assert.True(t, got.Matched)
	assert.InDelta(t, 0.8, got.Threshold, 1e-6)

	got, err = svc.VerifySelf(context.Background(), blankImage(), 2)
	require.NoError(t, err)
	assert.False(t, got.Matched)
	assert.Equal(t, uint(2), *got.ClosestID)
	assert.Equal(t, 2, obs.extracts)
}

func TestVerifySelfNoFaceAndExtractionFailure(t *testing.T) {
	svc := NewRecognitionService(&stubDetector{}, &stubExtractor{model: "m"}, NewMatchingEngine(0.75, 0), &stubPools{}, 0, nil)
	got, err := svc.VerifySelf(context.Background(), blankImage(), 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoFace, got.Outcome)

	svc = NewRecognitionService(&stubDetector{faces: []media.DetectedFace{faceAt(0)}}, &stubExtractor{model: "m"}, NewMatchingEngine(0.75, 0), &stubPools{}, 0, nil)
	got, err = svc.VerifySelf(context.Background(), blankImage(), 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExtractionFailed, got.Outcome)
	assert.False(t, got.Matched)
}

func TestEmbedWrapsExtractorErrorsAsSoftFailures(t *testing.T) {
	ext := &stubExtractor{model: "m"}
	svc := NewRecognitionService(&stubDetector{}, ext, NewMatchingEngine(0.75, 0), &stubPools{}, 0, nil)
	_, _, err := svc.Embed(context.Background(), blankImage(), faceAt(0))
	assert.ErrorIs(t, err, media.ErrExtractionFailed)
}
