package services

import (
	"log"
	"math"

	"github.com/camden-git/attendancebackend/models"
	"github.com/camden-git/attendancebackend/repository"
)

// MatchOutcome classifies a MatchResult so callers can tell "below threshold" apart
// from "no face" and the other failure modes.
type MatchOutcome string

const (
	OutcomeMatched          MatchOutcome = "matched"
	OutcomeBelowThreshold   MatchOutcome = "below_threshold"
	OutcomeNoCandidates     MatchOutcome = "no_candidates"
	OutcomeNoFace           MatchOutcome = "no_face"
	OutcomeExtractionFailed MatchOutcome = "extraction_failed"
)

// Query is a query vector tagged with the model that produced it.
type Query struct {
	ModelVersion string
	Vector       []float32
}

// Embedding is one stored vector in a candidate pool.
type Embedding struct {
	ID           uint
	ModelVersion string
	Vector       []float32
}

// Candidate is an identity with its stored embeddings, in store order.
type Candidate struct {
	IdentityID uint
	Embeddings []Embedding
}

// MatchResult is the outcome of Identify or Verify. IdentityID is set only when
// Matched; ClosestID names the best comparable identity even below threshold.
// Source is AUTO_MATCH for Identify and SELF_VERIFIED for Verify.
type MatchResult struct {
	Matched      bool                  `json:"matched"`
	IdentityID   *uint                 `json:"identity_id,omitempty"`
	ClosestID    *uint                 `json:"closest_id,omitempty"`
	EmbeddingID  uint                  `json:"embedding_id,omitempty"`
	Similarity   float32               `json:"similarity"`
	Threshold    float32               `json:"threshold"`
	Source       models.DecisionSource `json:"source"`
	ModelVersion string                `json:"model_version"`
	Outcome      MatchOutcome          `json:"outcome"`
	Compared     int                   `json:"compared"`
	Incomparable int                   `json:"incomparable,omitempty"`
}

// Similarity returns the cosine similarity of a and b in [-1, 1]. Vectors of
// different length, empty vectors and zero vectors give 0.
func Similarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case math.IsNaN(sim):
		return 0
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	}
	return float32(sim)
}

// MatchingEngine compares query vectors against candidate pools.
type MatchingEngine struct {
	matchThreshold  float32
	verifyThreshold float32
}

// NewMatchingEngine creates an engine. A zero verifyThreshold reuses matchThreshold.
func NewMatchingEngine(matchThreshold, verifyThreshold float32) *MatchingEngine {
	if verifyThreshold <= 0 {
		verifyThreshold = matchThreshold
	}
	return &MatchingEngine{matchThreshold: matchThreshold, verifyThreshold: verifyThreshold}
}

func (e *MatchingEngine) MatchThreshold() float32  { return e.matchThreshold }
func (e *MatchingEngine) VerifyThreshold() float32 { return e.verifyThreshold }

// Identify scans every comparable embedding in pool order and keeps the first
// strictly greater similarity, so earlier candidates win exact ties.
func (e *MatchingEngine) Identify(query Query, pool []Candidate) MatchResult {
	return e.search(query, pool, e.matchThreshold, models.SourceAutoMatch)
}

// Verify restricts the pool to claimedID and applies the verify threshold.
func (e *MatchingEngine) Verify(query Query, claimedID uint, pool []Candidate) MatchResult {
	var claimed []Candidate
	for _, c := range pool {
		if c.IdentityID == claimedID {
			claimed = append(claimed, c)
		}
	}
	return e.search(query, claimed, e.verifyThreshold, models.SourceSelfVerified)
}

func (e *MatchingEngine) search(query Query, pool []Candidate, threshold float32, source models.DecisionSource) MatchResult {
	result := MatchResult{
		Threshold:    threshold,
		Source:       source,
		ModelVersion: query.ModelVersion,
		Outcome:      OutcomeNoCandidates,
	}
	if len(query.Vector) == 0 {
		return result
	}

	found := false
	var bestID uint
	for _, candidate := range pool {
		for _, emb := range candidate.Embeddings {
			if emb.ModelVersion != query.ModelVersion || len(emb.Vector) != len(query.Vector) {
				result.Incomparable++
				continue
			}
			sim := Similarity(query.Vector, emb.Vector)
			result.Compared++
			if !found || sim > result.Similarity {
				found = true
				result.Similarity = sim
				result.EmbeddingID = emb.ID
				bestID = candidate.IdentityID
			}
		}
	}
	if result.Incomparable > 0 {
		log.Printf("matching: skipped %d embeddings incomparable with %s/%d", result.Incomparable, query.ModelVersion, len(query.Vector))
	}
	if !found {
		return result
	}

	closest := bestID
	result.ClosestID = &closest
	if result.Similarity >= threshold {
		matched := bestID
		result.Matched = true
		result.IdentityID = &matched
		result.Outcome = OutcomeMatched
	} else {
		result.Outcome = OutcomeBelowThreshold
	}
	return result
}

// DedupeBestPerIdentity keeps, for each matched identity, only the face with the
// highest similarity; the others are demoted to below-threshold so a student
// appearing twice in one photo is not recorded twice. Order is preserved.
func DedupeBestPerIdentity(matches []FaceMatch) []FaceMatch {
	best := make(map[uint]int)
	for i, m := range matches {
		if !m.Result.Matched || m.Result.IdentityID == nil {
			continue
		}
		id := *m.Result.IdentityID
		if j, ok := best[id]; !ok || m.Result.Similarity > matches[j].Result.Similarity {
			best[id] = i
		}
	}

	out := make([]FaceMatch, len(matches))
	copy(out, matches)
	for i := range out {
		r := out[i].Result
		if !r.Matched || r.IdentityID == nil || best[*r.IdentityID] == i {
			continue
		}
		r.Matched = false
		r.IdentityID = nil
		r.Outcome = OutcomeBelowThreshold
		out[i].Result = r
		out[i].Duplicate = true
	}
	return out
}

// CandidatesFromStore converts repository rows into a matching pool, keeping store order.
func CandidatesFromStore(identities []repository.IdentityEmbeddings) []Candidate {
	pool := make([]Candidate, 0, len(identities))
	for _, ident := range identities {
		c := Candidate{IdentityID: ident.IdentityID, Embeddings: make([]Embedding, 0, len(ident.Embeddings))}
		for _, row := range ident.Embeddings {
			c.Embeddings = append(c.Embeddings, Embedding{
				ID:           row.ID,
				ModelVersion: row.ModelVersion,
				Vector:       row.NormalizedVector(),
			})
		}
		pool = append(pool, c)
	}
	return pool
}
