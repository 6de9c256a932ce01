package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/camden-git/attendancebackend/handlers"
	"github.com/camden-git/attendancebackend/media"
	"github.com/camden-git/attendancebackend/realtime"
	"github.com/camden-git/attendancebackend/services"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket events and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	e, err := newEngine(cfg, s)
	if err != nil {
		return err
	}
	defer e.Close()

	if !e.detector.Available() {
		return fmt.Errorf("no face detector could be loaded (tried %v): %w", e.detector.Backends(), media.ErrDetectorUnavailable)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := realtime.NewHub()
	go hub.Run(hubCtx)

	log.Printf("Initializing enrollment worker (Queue Size: %d)...", cfg.EnrollQueueSize)
	pipeline := e.newPipeline(cfg, s, hub)
	defer pipeline.Stop()

	recorder := services.NewAttendanceRecorder(s.attendance, s.students, hub, e.metrics)

	router := handlers.NewRouter(handlers.RouterDeps{
		Recognition: &handlers.RecognitionHandler{Recognizer: e.recognition, Recorder: recorder},
		Roster: &handlers.RosterHandler{
			Students:   s.students,
			References: s.references,
			Processor:  media.NewReferenceProcessor(s.references),
			Enroller:   pipeline,
			Embeddings: s.embeddings,
			Pools:      e.pools,
		},
		Enrollment: &handlers.EnrollmentHandler{Enroller: pipeline, Students: s.students},
		Attendance: &handlers.AttendanceHandler{Recorder: recorder, Students: s.students},
		System: &handlers.SystemHandler{
			Embeddings:   s.embeddings,
			Detector:     e.detector,
			ModelVersion: e.extractor.ModelVersion(),
			Enroller:     pipeline,
		},
		Backup: &handlers.BackupHandler{
			Service:      services.NewFaceBackupService(s.students, s.embeddings, e.pools),
			ModelVersion: e.extractor.ModelVersion(),
			Dimension:    e.extractor.Dimension(),
		},
		Auth:             handlers.NewAdminAuth(cfg.AdminTokenHash),
		WS:               hub.ServeWS,
		Metrics:          promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}),
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		RecognizeTimeout: 60 * time.Second,
	})
	if cfg.AdminTokenHash == "" {
		log.Println("Warning: ADMIN_TOKEN_HASH is empty, admin routes are disabled")
	}

	serverAddr := ":" + cfg.Port
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", serverAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
	}
	pipeline.Stop()
	stopHub()
	log.Println("Server stopped")
	return nil
}
