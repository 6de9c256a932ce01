package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	"github.com/camden-git/attendancebackend/media"
	"github.com/camden-git/attendancebackend/models"
)

// FaceMatch is the recognition result for one detected face.
type FaceMatch struct {
	Face      media.DetectedFace `json:"face"`
	Quality   float32            `json:"quality"`
	Result    MatchResult        `json:"result"`
	Duplicate bool               `json:"duplicate,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// PoolSource provides candidate pools. PoolCache implements it.
type PoolSource interface {
	Pool(modelVersion string, classroomID *uint) ([]Candidate, error)
}

// RecognitionObserver receives extraction and match measurements. metrics.EngineMetrics implements it.
type RecognitionObserver interface {
	ObserveExtraction(model string, elapsed time.Duration, err error)
	ObserveMatch(mode, outcome string, similarity float32, compared bool)
}

// RecognitionService runs detection, quality gating, extraction and matching for one photo.
type RecognitionService struct {
	detector   media.Detector
	extractor  media.Extractor
	engine     *MatchingEngine
	pools      PoolSource
	minQuality float32
	observer   RecognitionObserver
}

// NewRecognitionService wires the pipeline. observer may be nil.
func NewRecognitionService(detector media.Detector, extractor media.Extractor, engine *MatchingEngine, pools PoolSource, minQuality float32, observer RecognitionObserver) *RecognitionService {
	return &RecognitionService{
		detector:   detector,
		extractor:  extractor,
		engine:     engine,
		pools:      pools,
		minQuality: minQuality,
		observer:   observer,
	}
}

// ModelVersion is the model every query vector is tagged with.
func (s *RecognitionService) ModelVersion() string { return s.extractor.ModelVersion() }

// Engine exposes the thresholds in use.
func (s *RecognitionService) Engine() *MatchingEngine { return s.engine }

// DetectAndRecognize identifies every face in img. When classroomID is set the
// pool is limited to that classroom's students. An empty slice means no face was
// found. Per-face extraction failures are reported in the FaceMatch, not as an error.
func (s *RecognitionService) DetectAndRecognize(ctx context.Context, img image.Image, classroomID *uint) ([]FaceMatch, error) {
	faces, err := s.detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		s.observeMatch("identify", MatchResult{Source: models.SourceAutoMatch, Outcome: OutcomeNoFace})
		return []FaceMatch{}, nil
	}

	pool, err := s.pools.Pool(s.extractor.ModelVersion(), classroomID)
	if err != nil {
		return nil, err
	}

	matches := make([]FaceMatch, 0, len(faces))
	for _, face := range faces {
		quality, vec, err := s.embed(ctx, img, face)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			result := MatchResult{
				Threshold:    s.engine.MatchThreshold(),
				Source:       models.SourceAutoMatch,
				ModelVersion: s.extractor.ModelVersion(),
				Outcome:      OutcomeExtractionFailed,
			}
			s.observeMatch("identify", result)
			matches = append(matches, FaceMatch{Face: face, Quality: quality, Result: result, Error: err.Error()})
			continue
		}

		result := s.engine.Identify(Query{ModelVersion: s.extractor.ModelVersion(), Vector: vec}, pool)
		s.observeMatch("identify", result)
		matches = append(matches, FaceMatch{Face: face, Quality: quality, Result: result})
	}

	return DedupeBestPerIdentity(matches), nil
}

// VerifySelf checks whether the most prominent face in img belongs to claimedID.
// "No face" and extraction failures come back as the result Outcome.
func (s *RecognitionService) VerifySelf(ctx context.Context, img image.Image, claimedID uint) (MatchResult, error) {
	base := MatchResult{Threshold: s.engine.VerifyThreshold(), Source: models.SourceSelfVerified, ModelVersion: s.extractor.ModelVersion()}

	faces, err := s.detector.Detect(ctx, img)
	if err != nil {
		return base, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		base.Outcome = OutcomeNoFace
		s.observeMatch("verify", base)
		return base, nil
	}

	face := mostProminent(faces)
	_, vec, err := s.embed(ctx, img, face)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return base, ctxErr
		}
		log.Printf("recognition: verify for student %d: %v", claimedID, err)
		base.Outcome = OutcomeExtractionFailed
		s.observeMatch("verify", base)
		return base, nil
	}

	pool, err := s.pools.Pool(s.extractor.ModelVersion(), nil)
	if err != nil {
		return base, err
	}
	result := s.engine.Verify(Query{ModelVersion: s.extractor.ModelVersion(), Vector: vec}, claimedID, pool)
	s.observeMatch("verify", result)
	return result, nil
}

// IdentifyVectors matches precomputed vectors against one classroom's pool. An
// empty modelVersion means the active model. Queries are normalised first and
// results keep input order with Face left zero. A student matched by several
// vectors keeps only the best; the others are marked Duplicate.
func (s *RecognitionService) IdentifyVectors(modelVersion string, vectors [][]float32, classroomID uint) ([]FaceMatch, error) {
	if modelVersion == "" {
		modelVersion = s.extractor.ModelVersion()
	}
	pool, err := s.pools.Pool(modelVersion, &classroomID)
	if err != nil {
		return nil, err
	}

	matches := make([]FaceMatch, 0, len(vectors))
	for _, v := range vectors {
		query := media.NormalizeL2(append([]float32(nil), v...))
		result := s.engine.Identify(Query{ModelVersion: modelVersion, Vector: query}, pool)
		s.observeMatch("identify_vectors", result)
		matches = append(matches, FaceMatch{Result: result})
	}
	return DedupeBestPerIdentity(matches), nil
}

// Embed runs the quality gate and extraction for one face. It is what the
// enrollment pipeline uses to compute reference embeddings.
func (s *RecognitionService) Embed(ctx context.Context, img image.Image, face media.DetectedFace) (float32, []float32, error) {
	return s.embed(ctx, img, face)
}

// Detect runs the configured detector.
func (s *RecognitionService) Detect(ctx context.Context, img image.Image) ([]media.DetectedFace, error) {
	return s.detector.Detect(ctx, img)
}

func (s *RecognitionService) embed(ctx context.Context, img image.Image, face media.DetectedFace) (float32, []float32, error) {
	crop, err := media.CropFace(img, face.Box)
	if err != nil {
		return 0, nil, err
	}
	quality := media.AssessQuality(crop)
	if quality < s.minQuality {
		return quality, nil, fmt.Errorf("%w: quality %.2f below minimum %.2f", media.ErrExtractionFailed, quality, s.minQuality)
	}

	start := time.Now()
	vec, err := s.extractor.Extract(ctx, img, face)
	if s.observer != nil {
		s.observer.ObserveExtraction(s.extractor.ModelVersion(), time.Since(start), err)
	}
	if err != nil {
		if !errors.Is(err, media.ErrExtractionFailed) {
			err = fmt.Errorf("%w: %w", media.ErrExtractionFailed, err)
		}
		return quality, nil, err
	}
	return quality, vec, nil
}

func (s *RecognitionService) observeMatch(mode string, r MatchResult) {
	if s.observer != nil {
		s.observer.ObserveMatch(mode, string(r.Outcome), r.Similarity, r.Compared > 0)
	}
}

// mostProminent picks the largest face, preferring higher confidence on equal area.
func mostProminent(faces []media.DetectedFace) media.DetectedFace {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Box.Area() > best.Box.Area() || (f.Box.Area() == best.Box.Area() && f.Confidence > best.Confidence) {
			best = f
		}
	}
	return best
}
