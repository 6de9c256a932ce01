package services

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/attendancebackend/models"
)

func unit(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func candidate(id uint, model string, vectors ...[]float32) Candidate {
	c := Candidate{IdentityID: id}
	for i, v := range vectors {
		c.Embeddings = append(c.Embeddings, Embedding{ID: id*100 + uint(i), ModelVersion: model, Vector: v})
	}
	return c
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"nan", []float32{float32(math.NaN()), 1}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 1e-6)
			assert.Equal(t, Similarity(tt.a, tt.b), Similarity(tt.b, tt.a))
		})
	}
}

func TestSimilarityStaysInRange(t *testing.T) {
	a := []float32{0.1, 0.7, -0.3, 0.2}
	for i := 0; i < 50; i++ {
		b := []float32{float32(i) - 25, 0.5, float32(i % 7), -1}
		s := Similarity(a, b)
		assert.GreaterOrEqual(t, s, float32(-1))
		assert.LessOrEqual(t, s, float32(1))
	}
}

func TestIdentifyExactAndOrthogonal(t *testing.T) {
	engine := NewMatchingEngine(0.75, 0)
	a := unit(128, 0)
	b := unit(128, 1)
	pool := []Candidate{candidate(1, "geo-v1", a), candidate(2, "geo-v1", b)}

	got := engine.Identify(Query{ModelVersion: "geo-v1", Vector: a}, pool)
	require.True(t, got.Matched)
	assert.Equal(t, uint(1), *got.IdentityID)
	assert.InDelta(t, 1.0, got.Similarity, 1e-6)
	assert.Equal(t, OutcomeMatched, got.Outcome)
	assert.Equal(t, models.SourceAutoMatch, got.Source)

	got = engine.Identify(Query{ModelVersion: "geo-v1", Vector: unit(128, 5)}, pool)
	assert.False(t, got.Matched)
	assert.Nil(t, got.IdentityID)
	assert.LessOrEqual(t, got.Similarity, float32(0))
	assert.Equal(t, OutcomeBelowThreshold, got.Outcome)
	require.NotNil(t, got.ClosestID)
}

func TestIdentifyThresholdIsInclusive(t *testing.T) {
	q := []float32{1, 0}
	// cos(theta) = 0.75 exactly for (0.75, sqrt(1-0.75^2))
	s := []float32{0.75, float32(math.Sqrt(1 - 0.75*0.75))}
	sim := Similarity(q, s)

	engine := NewMatchingEngine(sim, 0)
	got := engine.Identify(Query{ModelVersion: "m", Vector: q}, []Candidate{candidate(9, "m", s)})
	assert.True(t, got.Matched)

	engine = NewMatchingEngine(sim+1e-6, 0)
	got = engine.Identify(Query{ModelVersion: "m", Vector: q}, []Candidate{candidate(9, "m", s)})
	assert.False(t, got.Matched)
	assert.Equal(t, sim, got.Similarity)
}

func TestIdentifyFirstSeenWinsTies(t *testing.T) {
	engine := NewMatchingEngine(0.5, 0)
	v := []float32{0.6, 0.8}
	pool := []Candidate{candidate(3, "m", v), candidate(1, "m", v), candidate(2, "m", v)}

	got := engine.Identify(Query{ModelVersion: "m", Vector: v}, pool)
	require.True(t, got.Matched)
	assert.Equal(t, uint(3), *got.IdentityID)
	assert.Equal(t, uint(300), got.EmbeddingID)
}

func TestIdentifyIgnoresOtherModels(t *testing.T) {
	engine := NewMatchingEngine(0.75, 0)
	v := unit(4, 0)
	pool := []Candidate{
		candidate(1, "mfn-new-f32", v),
		candidate(2, "geo-v1", unit(4, 1)),
		candidate(3, "geo-v1", unit(5, 0)),
	}

	got := engine.Identify(Query{ModelVersion: "geo-v1", Vector: v}, pool)
	assert.False(t, got.Matched)
	assert.Equal(t, 1, got.Compared)
	assert.Equal(t, 2, got.Incomparable)

	got = engine.Identify(Query{ModelVersion: "arcface-onnx", Vector: v}, pool)
	assert.Equal(t, OutcomeNoCandidates, got.Outcome)
	assert.Zero(t, got.Similarity)
	assert.Nil(t, got.ClosestID)
}

func TestIdentifyReportsNegativeBest(t *testing.T) {
	engine := NewMatchingEngine(0.75, 0)
	pool := []Candidate{candidate(1, "m", []float32{-1, 0})}
	got := engine.Identify(Query{ModelVersion: "m", Vector: []float32{1, 0}}, pool)
	assert.InDelta(t, -1, got.Similarity, 1e-6)
	assert.Equal(t, OutcomeBelowThreshold, got.Outcome)
}

func TestVerifyRestrictsToClaimedIdentity(t *testing.T) {
	engine := NewMatchingEngine(0.75, 0.9)
	a := unit(3, 0)
	pool := []Candidate{candidate(1, "m", a), candidate(2, "m", unit(3, 1))}

	got := engine.Verify(Query{ModelVersion: "m", Vector: a}, 2, pool)
	assert.False(t, got.Matched)
	assert.Equal(t, uint(2), *got.ClosestID)
	assert.InDelta(t, 0.9, got.Threshold, 1e-6)

	got = engine.Verify(Query{ModelVersion: "m", Vector: a}, 1, pool)
	assert.True(t, got.Matched)
	assert.Equal(t, models.SourceSelfVerified, got.Source)

	got = engine.Verify(Query{ModelVersion: "m", Vector: a}, 42, pool)
	assert.Equal(t, OutcomeNoCandidates, got.Outcome)
}

func TestDedupeBestPerIdentity(t *testing.T) {
	id := func(v uint) *uint { return &v }
	matches := []FaceMatch{
		{Result: MatchResult{Matched: true, IdentityID: id(1), Similarity: 0.8, Outcome: OutcomeMatched}},
		{Result: MatchResult{Matched: true, IdentityID: id(1), Similarity: 0.95, Outcome: OutcomeMatched}},
		{Result: MatchResult{Matched: true, IdentityID: id(2), Similarity: 0.9, Outcome: OutcomeMatched}},
		{Result: MatchResult{Outcome: OutcomeBelowThreshold, Similarity: 0.3}},
	}

	out := DedupeBestPerIdentity(matches)
	require.Len(t, out, 4)
	assert.False(t, out[0].Result.Matched)
	assert.True(t, out[0].Duplicate)
	assert.Equal(t, OutcomeBelowThreshold, out[0].Result.Outcome)
	assert.True(t, out[1].Result.Matched)
	assert.True(t, out[2].Result.Matched)
	assert.False(t, out[3].Duplicate)

	// input is left untouched
	assert.True(t, matches[0].Result.Matched)
}
