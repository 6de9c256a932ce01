package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"MATCH_THRESHOLD", "VERIFY_THRESHOLD", "ENROLL_QUEUE_SIZE", "EMBEDDING_MODEL", "EXTRACTION_TIMEOUT"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.InDelta(t, 0.75, cfg.MatchThreshold, 1e-6)
	assert.InDelta(t, 0.75, cfg.VerifyThreshold, 1e-6, "verify threshold follows match threshold")
	assert.InDelta(t, 0.6, cfg.DetectionConfidence, 1e-6)
	assert.InDelta(t, 0.5, cfg.NMSIoUThreshold, 1e-6)
	assert.Equal(t, 8, cfg.EnrollQueueSize)
	assert.Equal(t, EmbeddingModelMobileFaceNet, cfg.EmbeddingModel)
	assert.Equal(t, 3*time.Second, cfg.ExtractionTimeout)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("MATCH_THRESHOLD", "0.8")
	t.Setenv("VERIFY_THRESHOLD", "0.6")
	t.Setenv("ENROLL_QUEUE_SIZE", "16")
	t.Setenv("EMBEDDING_MODEL", "Geometric")
	t.Setenv("EXTRACTION_TIMEOUT", "750ms")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.InDelta(t, 0.8, cfg.MatchThreshold, 1e-6)
	assert.InDelta(t, 0.6, cfg.VerifyThreshold, 1e-6)
	assert.Equal(t, 16, cfg.EnrollQueueSize)
	assert.Equal(t, EmbeddingModelGeometric, cfg.EmbeddingModel)
	assert.Equal(t, 750*time.Millisecond, cfg.ExtractionTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSAllowedOrigins)
}

func TestLoadConfigInvalidValuesFallBack(t *testing.T) {
	t.Setenv("ENROLL_QUEUE_SIZE", "-3")
	t.Setenv("DETECTION_TIMEOUT", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.EnrollQueueSize)
	assert.Equal(t, 5*time.Second, cfg.DetectionTimeout)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := Config{
		EmbeddingModel:      EmbeddingModelGeometric,
		DetectionConfidence: 0.6,
		NMSIoUThreshold:     0.5,
		MatchThreshold:      0.75,
		VerifyThreshold:     0.75,
	}
	require.NoError(t, base.Validate())

	tooHigh := base
	tooHigh.MatchThreshold = 1.5
	assert.Error(t, tooHigh.Validate())

	unknown := base
	unknown.EmbeddingModel = "facenet512"
	assert.Error(t, unknown.Validate())
}
