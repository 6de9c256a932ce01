package media

import "sort"

// IoU returns the intersection over union of two boxes, 0 when either is degenerate.
func IoU(a, b BoundingBox) float32 {
	if !a.Valid() || !b.Valid() {
		return 0
	}
	x1 := maxInt(a.Left, b.Left)
	y1 := maxInt(a.Top, b.Top)
	x2 := minInt(a.Right, b.Right)
	y2 := minInt(a.Bottom, b.Bottom)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := float32((x2 - x1) * (y2 - y1))
	union := float32(a.Area()+b.Area()) - intersection
	return intersection / union
}

// FilterByConfidence drops faces below threshold and faces with degenerate boxes.
func FilterByConfidence(faces []DetectedFace, threshold float32) []DetectedFace {
	kept := make([]DetectedFace, 0, len(faces))
	for _, f := range faces {
		if f.Confidence < threshold || !f.Box.Valid() {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// NonMaxSuppression orders faces by confidence then area, both descending, and
// greedily keeps a face only if its IoU with every kept face is below
// iouThreshold. Running it on its own output returns the same set.
func NonMaxSuppression(faces []DetectedFace, iouThreshold float32) []DetectedFace {
	if len(faces) == 0 {
		return faces
	}

	sorted := make([]DetectedFace, len(faces))
	copy(sorted, faces)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Box.Area() > sorted[j].Box.Area()
	})

	kept := make([]DetectedFace, 0, len(sorted))
	for _, candidate := range sorted {
		suppressed := false
		for _, k := range kept {
			if IoU(candidate.Box, k.Box) >= iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, candidate)
		}
	}
	return kept
}
