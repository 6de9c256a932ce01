package media

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// GeometricModelVersion tags vectors produced by GeometricExtractor.
	GeometricModelVersion = "geo-v1"
	// GeometricDimension is the fixed output length.
	GeometricDimension = 128

	geometricSlots  = 28
	luminanceGrid   = 10
	luminanceCellPx = 8
)

// GeometricExtractor builds a vector from landmark geometry and a coarse
// luminance grid of the crop. It needs no model file, which makes it the
// fallback when neither neural model is deployed.
//
// Layout: slots [0,28) hold geometry normalized by the face box, zero-filled
// when landmarks or probabilities are missing; slots [28,128) hold a 10x10 grid
// of mean luminance in [0,1].
type GeometricExtractor struct{}

var _ Extractor = GeometricExtractor{}

func (GeometricExtractor) ModelVersion() string { return GeometricModelVersion }
func (GeometricExtractor) Dimension() int       { return GeometricDimension }

func (g GeometricExtractor) Extract(ctx context.Context, img image.Image, face DetectedFace) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, extractionFailed("geometric", err)
	}
	crop, err := CropFace(img, face.Box)
	if err != nil {
		return nil, err
	}

	features := make([]float32, GeometricDimension)
	geometricFeatures(face, features[:geometricSlots])
	luminanceFeatures(crop, features[geometricSlots:])
	return NormalizeL2(features), nil
}

func distance(a, b Point2D) float32 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return float32(math.Sqrt(dx*dx + dy*dy))
}

func midpoint(a, b Point2D) Point2D {
	return Point2D{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

func geometricFeatures(face DetectedFace, out []float32) {
	w := float32(face.Box.Width())
	h := float32(face.Box.Height())
	if w <= 0 || h <= 0 {
		return
	}
	out[0] = w / h

	if leftEye, ok := face.Landmark(LandmarkLeftEye); ok {
		rightEye, _ := face.Landmark(LandmarkRightEye)
		nose, _ := face.Landmark(LandmarkNose)
		mouthL, _ := face.Landmark(LandmarkMouthLeft)
		mouthR, _ := face.Landmark(LandmarkMouthRight)

		eyeCenter := midpoint(leftEye, rightEye)
		mouthCenter := midpoint(mouthL, mouthR)
		boxCenterX := float32(face.Box.Left) + w/2

		out[1] = distance(leftEye, rightEye) / w
		out[2] = distance(leftEye, nose) / h
		out[3] = distance(rightEye, nose) / h
		out[4] = distance(mouthL, mouthR) / w
		out[5] = distance(nose, mouthCenter) / h
		out[6] = (mouthCenter.Y - eyeCenter.Y) / h
		out[7] = (eyeCenter.X - boxCenterX) / w

		for i, p := range face.Landmarks {
			out[8+i*2] = (p.X - float32(face.Box.Left)) / w
			out[8+i*2+1] = (p.Y - float32(face.Box.Top)) / h
		}
	}

	if face.SmilingProbability != nil {
		out[18] = clamp01(*face.SmilingProbability)
	}
	if face.LeftEyeOpenProbability != nil {
		out[19] = clamp01(*face.LeftEyeOpenProbability)
	}
	if face.RightEyeOpenProbability != nil {
		out[20] = clamp01(*face.RightEyeOpenProbability)
	}
}

// luminanceFeatures resizes crop to a grid-aligned square and writes the mean
// luminance (0.299R + 0.587G + 0.114B) of each cell, scaled to [0,1].
func luminanceFeatures(crop image.Image, out []float32) {
	side := luminanceGrid * luminanceCellPx
	scaled := imaging.Resize(crop, side, side, imaging.Linear)

	for gy := 0; gy < luminanceGrid; gy++ {
		for gx := 0; gx < luminanceGrid; gx++ {
			var sum float64
			for y := gy * luminanceCellPx; y < (gy+1)*luminanceCellPx; y++ {
				for x := gx * luminanceCellPx; x < (gx+1)*luminanceCellPx; x++ {
					i := scaled.PixOffset(x, y)
					r := float64(scaled.Pix[i])
					g := float64(scaled.Pix[i+1])
					b := float64(scaled.Pix[i+2])
					sum += 0.299*r + 0.587*g + 0.114*b
				}
			}
			mean := sum / float64(luminanceCellPx*luminanceCellPx)
			out[gy*luminanceGrid+gx] = float32(mean / 255.0)
		}
	}
}
