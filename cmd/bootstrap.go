package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/camden-git/attendancebackend/config"
	"github.com/camden-git/attendancebackend/database"
	"github.com/camden-git/attendancebackend/media"
	"github.com/camden-git/attendancebackend/metrics"
	"github.com/camden-git/attendancebackend/realtime"
	"github.com/camden-git/attendancebackend/repository"
	"github.com/camden-git/attendancebackend/services"
	"github.com/camden-git/attendancebackend/workers"
)

// store is the persistence half of the application.
type store struct {
	db         *gorm.DB
	students   *repository.StudentRepository
	embeddings *repository.FaceEmbeddingRepository
	attendance *repository.AttendanceRepository
	references *media.ReferenceStore
}

func openStore(cfg config.Config) (*store, error) {
	for _, p := range []string{cfg.ReferenceImagePath, filepath.Dir(cfg.DatabasePath)} {
		if err := os.MkdirAll(p, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", p, err)
		}
	}

	db, err := database.InitGormDB(cfg.DatabasePath, cfg.DBLogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := database.AutoMigrateModels(db); err != nil {
		closeDB(db)
		return nil, err
	}
	refs, err := media.NewReferenceStore(cfg.ReferenceImagePath)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to initialize reference store: %w", err)
	}
	log.Printf("Using database: %s", cfg.DatabasePath)
	log.Printf("Storing reference photos in: %s", cfg.ReferenceImagePath)

	return &store{
		db:         db,
		students:   repository.NewStudentRepository(db),
		embeddings: repository.NewFaceEmbeddingRepository(db),
		attendance: repository.NewAttendanceRepository(db),
		references: refs,
	}, nil
}

func (s *store) Close() { closeDB(s.db) }

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// engine is the recognition half: models, matching, pools and the pipeline.
type engine struct {
	registry    *prometheus.Registry
	metrics     *metrics.EngineMetrics
	detector    *media.FallbackDetector
	extractor   media.Extractor
	pools       *services.PoolCache
	recognition *services.RecognitionService
	closers     []func()
}

func newEngine(cfg config.Config, s *store) (*engine, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewEngineMetrics(registry)
	if err != nil {
		return nil, err
	}

	e := &engine{registry: registry, metrics: m}

	retina := media.NewRetinaFaceDetector(cfg.RetinaFaceModelPath, cfg.DetectionConfidence, cfg.NMSIoUThreshold)
	yunet := media.NewYuNetDetector(cfg.YuNetModelPath, cfg.DetectionConfidence, cfg.NMSIoUThreshold)
	ssd := media.NewDNNFaceDetector(cfg.FaceDNNNetConfigPath, cfg.FaceDNNNetModelPath, cfg.DetectionConfidence, cfg.NMSIoUThreshold)
	e.closers = append(e.closers, retina.Close, yunet.Close, ssd.Close)
	e.detector = media.NewFallbackDetector(cfg.DetectionTimeout, m, retina, yunet, ssd)

	extractor, closeFn := selectExtractor(cfg)
	if closeFn != nil {
		e.closers = append(e.closers, closeFn)
	}
	e.extractor = media.WithTimeout(extractor, cfg.ExtractionTimeout)
	log.Printf("Embedding model: %s (%d-d)", e.extractor.ModelVersion(), e.extractor.Dimension())

	e.pools = services.NewPoolCache(s.embeddings, s.students, cfg.PoolCacheTTL)
	matching := services.NewMatchingEngine(cfg.MatchThreshold, cfg.VerifyThreshold)
	e.recognition = services.NewRecognitionService(e.detector, e.extractor, matching, e.pools, cfg.MinQualityScore, m)
	return e, nil
}

// selectExtractor builds the extractor named by EMBEDDING_MODEL.
func selectExtractor(cfg config.Config) (media.Extractor, func()) {
	switch cfg.EmbeddingModel {
	case config.EmbeddingModelArcFace:
		onnx := media.NewONNXEmbedder(cfg.ArcFaceModelPath, media.ArcFaceModelVersion, 512)
		if !onnx.Available() {
			log.Printf("Warning: %s model unavailable, extraction will fail until it is installed", media.ArcFaceModelVersion)
		}
		return onnx, onnx.Close
	case config.EmbeddingModelGeometric:
		return media.GeometricExtractor{}, nil
	default:
		mfn := media.NewMobileFaceNetEmbedder(cfg.MobileFaceNetModelPath, cfg.TFLiteThreads)
		if !mfn.Available() {
			log.Printf("Warning: %s model unavailable, extraction will fail until it is installed", media.MobileFaceNetModelVersion)
		}
		return mfn, mfn.Close
	}
}

// newPipeline starts the enrollment worker. Callers must Stop it.
func (e *engine) newPipeline(cfg config.Config, s *store, hub realtime.Broadcaster) *workers.EnrollmentPipeline {
	return workers.NewEnrollmentPipeline(workers.PipelineDeps{
		Roster:   s.students,
		Store:    s.embeddings,
		Faces:    e.recognition,
		Images:   s.references,
		Pools:    e.pools,
		Hub:      hub,
		Observer: e.metrics,
	}, cfg.EnrollQueueSize)
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}
