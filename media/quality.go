package media

import "image"

// Resolution bands for AssessQuality, measured on the shorter side of the crop.
const (
	qualityMinSide   = 100
	qualityGoodSide  = 224
	qualityLargeSide = 512
)

// AssessQuality scores a cropped face for recognition suitability in [0,1].
// The score rises with resolution up to the 224-512 px band and dips slightly
// above it, where upscaled or oversized crops tend to come from.
func AssessQuality(img image.Image) float32 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return qualityForSide(minInt(b.Dx(), b.Dy()))
}

func qualityForSide(side int) float32 {
	var score float32
	switch {
	case side <= 0:
		score = 0
	case side < qualityMinSide:
		score = 0.3
	case side < qualityGoodSide:
		score = 0.6
	case side <= qualityLargeSide:
		score = 0.9
	default:
		score = 0.8
	}
	return clamp01(score)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
