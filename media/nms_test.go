package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func box(l, t, r, b int) BoundingBox { return BoundingBox{Left: l, Top: t, Right: r, Bottom: b} }

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BoundingBox
		want float32
	}{
		{"identical", box(0, 0, 10, 10), box(0, 0, 10, 10), 1},
		{"disjoint", box(0, 0, 10, 10), box(20, 20, 30, 30), 0},
		{"touching edges", box(0, 0, 10, 10), box(10, 0, 20, 10), 0},
		{"half overlap", box(0, 0, 10, 10), box(5, 0, 15, 10), 50.0 / 150.0},
		{"contained", box(0, 0, 10, 10), box(0, 0, 5, 10), 0.5},
		{"degenerate", box(0, 0, 0, 10), box(0, 0, 10, 10), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, IoU(tt.a, tt.b), 1e-6)
			assert.InDelta(t, tt.want, IoU(tt.b, tt.a), 1e-6)
		})
	}
}

func TestFilterByConfidence(t *testing.T) {
	faces := []DetectedFace{
		{Box: box(0, 0, 10, 10), Confidence: 0.9},
		{Box: box(0, 0, 10, 10), Confidence: 0.59},
		{Box: box(0, 0, 10, 10), Confidence: 0.6},
		{Box: box(5, 5, 5, 10), Confidence: 0.99},
	}
	kept := FilterByConfidence(faces, 0.6)
	assert.Len(t, kept, 2)
	for _, f := range kept {
		assert.GreaterOrEqual(t, f.Confidence, float32(0.6))
	}
}

func TestNonMaxSuppression(t *testing.T) {
	faces := []DetectedFace{
		{Box: box(0, 0, 100, 100), Confidence: 0.8, Detector: "a"},
		{Box: box(5, 5, 105, 105), Confidence: 0.95, Detector: "b"},
		{Box: box(300, 300, 400, 400), Confidence: 0.7, Detector: "c"},
	}

	kept := NonMaxSuppression(faces, 0.5)
	if assert.Len(t, kept, 2) {
		assert.Equal(t, "b", kept[0].Detector)
		assert.Equal(t, "c", kept[1].Detector)
	}

	again := NonMaxSuppression(kept, 0.5)
	assert.Equal(t, kept, again)
}

func TestNonMaxSuppressionPrefersLargerBoxOnEqualConfidence(t *testing.T) {
	faces := []DetectedFace{
		{Box: box(0, 0, 90, 90), Confidence: 0.9, Detector: "small"},
		{Box: box(0, 0, 100, 100), Confidence: 0.9, Detector: "large"},
	}
	kept := NonMaxSuppression(faces, 0.5)
	if assert.Len(t, kept, 1) {
		assert.Equal(t, "large", kept[0].Detector)
	}
}

func TestNonMaxSuppressionKeepsPairwiseOverlapBelowThreshold(t *testing.T) {
	var faces []DetectedFace
	for i := 0; i < 20; i++ {
		off := i * 7
		faces = append(faces, DetectedFace{Box: box(off, off, off+50, off+50), Confidence: float32(i%5) / 5})
	}
	kept := NonMaxSuppression(faces, 0.3)
	for i := range kept {
		for j := i + 1; j < len(kept); j++ {
			assert.Less(t, IoU(kept[i].Box, kept[j].Box), float32(0.3))
		}
	}
	assert.Empty(t, NonMaxSuppression(nil, 0.5))
}
