package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// RouterDeps carries the handlers mounted by NewRouter. Metrics and WS are
// optional.
type RouterDeps struct {
	Recognition *RecognitionHandler
	Roster      *RosterHandler
	Enrollment  *EnrollmentHandler
	Attendance  *AttendanceHandler
	System      *SystemHandler
	Backup      *BackupHandler
	Auth        *AdminAuth

	WS      http.HandlerFunc
	Metrics http.Handler

	AllowedOrigins   []string
	RecognizeTimeout time.Duration
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	corsOptions := cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", adminTokenHeader, actorHeader},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	corsHandler := cors.New(corsOptions)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	recognizeTimeout := deps.RecognizeTimeout
	if recognizeTimeout <= 0 {
		recognizeTimeout = 60 * time.Second
	}
	admin := deps.Auth.Require

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			// enrollment batches run as long as the roster needs, only recognition is bounded
			r.Use(middleware.Timeout(recognizeTimeout))
			r.Post("/recognize", deps.Recognition.Recognize)
			r.Post("/verify", deps.Recognition.Verify)
			r.Post("/recognize/preview", deps.Recognition.Preview)
		})

		r.Route("/classrooms", func(r chi.Router) {
			r.Get("/", deps.Roster.ListClassrooms)
			r.With(admin).Post("/", deps.Roster.CreateClassroom)
			r.Route("/{classroom_id}", func(r chi.Router) {
				r.Get("/students", deps.Roster.ListStudents)
				r.With(admin).Post("/students", deps.Roster.CreateStudent)
				r.With(admin).Post("/enroll", deps.Enrollment.EnrollClassroom)
				r.With(middleware.Timeout(recognizeTimeout)).Post("/identify-vectors", deps.Recognition.IdentifyVectors)
			})
		})

		r.Route("/students/{student_id}", func(r chi.Router) {
			r.Get("/reference", deps.Roster.ServeReference)
			r.With(admin).Post("/reference", deps.Roster.UploadReference)
			r.With(admin).Post("/enroll", deps.Enrollment.EnrollStudent)
			r.With(admin).Delete("/embeddings", deps.Roster.DeleteEmbeddings)
		})

		r.Get("/enrollment/status", deps.Enrollment.Status)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", deps.Attendance.StartSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", deps.Attendance.GetSession)
				r.Get("/attendance", deps.Attendance.ListAttendance)
				r.Post("/close", deps.Attendance.Close)
				r.Get("/export", deps.Attendance.Export)
				r.Get("/students/{student_id}/history", deps.Attendance.History)
				r.With(admin).Post("/corrections", deps.Attendance.Correct)
			})
		})

		r.Get("/health", deps.System.Health)
		r.With(admin).Get("/audit/embeddings", deps.System.AuditEmbeddings)
		r.With(admin).Get("/backup", deps.Backup.Export)
		r.With(admin).Post("/backup/restore", deps.Backup.Restore)
	})

	if deps.WS != nil {
		r.Get("/ws", deps.WS)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	return r
}
