package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
)

var (
	// ErrExtractionFailed marks a soft failure: the face could not be embedded,
	// but the caller should carry on with the next face or item.
	ErrExtractionFailed = errors.New("embedding extraction failed")
	// ErrModelUnavailable is wrapped together with ErrExtractionFailed when the
	// embedding model never loaded.
	ErrModelUnavailable = errors.New("embedding model unavailable")
)

// Extractor turns a detected face into a fixed-length, L2-normalized vector
// tagged by ModelVersion. Vectors from different model versions are never comparable.
type Extractor interface {
	ModelVersion() string
	Dimension() int
	Extract(ctx context.Context, img image.Image, face DetectedFace) ([]float32, error)
}

// extractionError wraps cause so that errors.Is matches both ErrExtractionFailed and cause.
type extractionError struct {
	stage string
	cause error
}

func (e *extractionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrExtractionFailed, e.stage, e.cause)
}

func (e *extractionError) Unwrap() []error {
	return []error{ErrExtractionFailed, e.cause}
}

// extractionFailed builds a soft failure for stage.
func extractionFailed(stage string, cause error) error {
	return &extractionError{stage: stage, cause: cause}
}

// NormalizeL2 scales v in place to unit length and returns it. A zero vector is
// returned unchanged.
func NormalizeL2(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return v
}

// CropFace returns the face region clamped to the image bounds.
func CropFace(img image.Image, box BoundingBox) (image.Image, error) {
	if img == nil {
		return nil, extractionFailed("crop", errors.New("nil image"))
	}
	clamped := box.ClampTo(img.Bounds())
	if !clamped.Valid() {
		return nil, extractionFailed("crop", fmt.Errorf("box %v outside image %v", box, img.Bounds()))
	}
	return imaging.Crop(img, clamped.Rect()), nil
}

type timeoutExtractor struct {
	inner   Extractor
	timeout time.Duration
}

// WithTimeout bounds every Extract call on inner. An expired deadline is a soft failure.
func WithTimeout(inner Extractor, timeout time.Duration) Extractor {
	if timeout <= 0 {
		return inner
	}
	return &timeoutExtractor{inner: inner, timeout: timeout}
}

func (t *timeoutExtractor) ModelVersion() string { return t.inner.ModelVersion() }
func (t *timeoutExtractor) Dimension() int       { return t.inner.Dimension() }

func (t *timeoutExtractor) Extract(ctx context.Context, img image.Image, face DetectedFace) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	vec, err := runWithContext(ctx, func() ([]float32, error) {
		return t.inner.Extract(ctx, img, face)
	})
	if err != nil {
		if errors.Is(err, ErrExtractionFailed) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, extractionFailed("timeout", fmt.Errorf("no result within %s: %w", t.timeout, err))
		}
		return nil, extractionFailed(t.inner.ModelVersion(), err)
	}
	return vec, nil
}
