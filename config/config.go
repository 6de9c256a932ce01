package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedding model selectors accepted by EMBEDDING_MODEL.
const (
	EmbeddingModelMobileFaceNet = "mobilefacenet"
	EmbeddingModelArcFace       = "arcface"
	EmbeddingModelGeometric     = "geometric"
)

const (
	defaultPort                = "8080"
	defaultDetectionConfidence = 0.6
	defaultNMSIoUThreshold     = 0.5
	defaultMatchThreshold      = 0.75
	defaultEnrollQueueSize     = 8
	defaultTFLiteThreads       = 2
	defaultDetectionTimeout    = 5 * time.Second
	defaultExtractionTimeout   = 3 * time.Second
	defaultPoolCacheTTL        = 30 * time.Second
)

type Config struct {
	// database path
	DatabasePath string
	DBLogLevel   string // silent, error, warn, info

	// root for enrollment reference photos, roster paths are relative to it
	ReferenceImagePath string

	// http server
	Port               string
	CORSAllowedOrigins []string

	// face detection model paths (DNN)
	FaceDNNNetConfigPath string
	FaceDNNNetModelPath  string
	RetinaFaceModelPath  string
	YuNetModelPath       string

	// embedding models
	EmbeddingModel         string
	MobileFaceNetModelPath string
	ArcFaceModelPath       string
	TFLiteThreads          int

	// detection and matching
	DetectionConfidence float32
	NMSIoUThreshold     float32
	MatchThreshold      float32
	VerifyThreshold     float32
	MinQualityScore     float32

	// per-call deadlines, expiry is a soft failure
	DetectionTimeout  time.Duration
	ExtractionTimeout time.Duration

	// enrollment worker settings
	EnrollQueueSize int

	// candidate pool snapshot lifetime
	PoolCacheTTL time.Duration

	// bcrypt hash guarding admin routes, empty disables them
	AdminTokenHash string
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvFloatOrDefault(envVar string, defaultVal float32) float32 {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(valStr, 32)
	if err != nil || val < 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %.2f. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return float32(val)
}

func getEnvDurationOrDefault(envVar string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %s. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func LoadConfig() (Config, error) {
	origins := strings.Split(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	matchThreshold := getEnvFloatOrDefault("MATCH_THRESHOLD", defaultMatchThreshold)

	cfg := Config{
		DatabasePath:           getEnvOrDefault("DATABASE_PATH", "attendance.db"),
		DBLogLevel:             strings.ToLower(getEnvOrDefault("DB_LOG_LEVEL", "warn")),
		ReferenceImagePath:     getEnvOrDefault("REFERENCE_IMAGE_PATH", "./references"),
		Port:                   getEnvOrDefault("PORT", defaultPort),
		CORSAllowedOrigins:     origins,
		FaceDNNNetConfigPath:   getEnvOrDefault("FACE_DNN_CONFIG_PATH", "./models/deploy.prototxt.txt"),
		FaceDNNNetModelPath:    getEnvOrDefault("FACE_DNN_MODEL_PATH", "./models/res10_300x300_ssd_iter_140000_fp16.caffemodel"),
		RetinaFaceModelPath:    getEnvOrDefault("RETINAFACE_MODEL_PATH", "./models/retinaface_640.onnx"),
		YuNetModelPath:         getEnvOrDefault("YUNET_MODEL_PATH", "./models/face_detection_yunet_2023mar.onnx"),
		EmbeddingModel:         strings.ToLower(getEnvOrDefault("EMBEDDING_MODEL", EmbeddingModelMobileFaceNet)),
		MobileFaceNetModelPath: getEnvOrDefault("MOBILEFACENET_MODEL_PATH", "./models/mobilefacenet.tflite"),
		ArcFaceModelPath:       getEnvOrDefault("ARCFACE_MODEL_PATH", "./models/arcface_112.onnx"),
		TFLiteThreads:          getEnvIntOrDefault("TFLITE_THREADS", defaultTFLiteThreads),
		DetectionConfidence:    getEnvFloatOrDefault("DETECTION_CONFIDENCE", defaultDetectionConfidence),
		NMSIoUThreshold:        getEnvFloatOrDefault("NMS_IOU_THRESHOLD", defaultNMSIoUThreshold),
		MatchThreshold:         matchThreshold,
		VerifyThreshold:        getEnvFloatOrDefault("VERIFY_THRESHOLD", matchThreshold),
		MinQualityScore:        getEnvFloatOrDefault("MIN_QUALITY_SCORE", 0),
		DetectionTimeout:       getEnvDurationOrDefault("DETECTION_TIMEOUT", defaultDetectionTimeout),
		ExtractionTimeout:      getEnvDurationOrDefault("EXTRACTION_TIMEOUT", defaultExtractionTimeout),
		EnrollQueueSize:        getEnvIntOrDefault("ENROLL_QUEUE_SIZE", defaultEnrollQueueSize),
		PoolCacheTTL:           getEnvDurationOrDefault("POOL_CACHE_TTL", defaultPoolCacheTTL),
		AdminTokenHash:         os.Getenv("ADMIN_TOKEN_HASH"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that the env helpers cannot express.
func (c Config) Validate() error {
	thresholds := map[string]float32{
		"DETECTION_CONFIDENCE": c.DetectionConfidence,
		"NMS_IOU_THRESHOLD":    c.NMSIoUThreshold,
		"MATCH_THRESHOLD":      c.MatchThreshold,
		"VERIFY_THRESHOLD":     c.VerifyThreshold,
	}
	for name, v := range thresholds {
		if v <= 0 || v > 1 {
			return fmt.Errorf("invalid %s %.3f: must be in (0, 1]", name, v)
		}
	}
	if c.MinQualityScore > 1 {
		return fmt.Errorf("invalid MIN_QUALITY_SCORE %.3f: must be in [0, 1]", c.MinQualityScore)
	}

	switch c.EmbeddingModel {
	case EmbeddingModelMobileFaceNet, EmbeddingModelArcFace, EmbeddingModelGeometric:
	default:
		return fmt.Errorf("unknown EMBEDDING_MODEL '%s' (expected %s, %s or %s)",
			c.EmbeddingModel, EmbeddingModelMobileFaceNet, EmbeddingModelArcFace, EmbeddingModelGeometric)
	}
	return nil
}
