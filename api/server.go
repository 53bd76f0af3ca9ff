package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/pipeline"
	"github.com/einoworld/chunk-service/upload"
)

// Server exposes the upload protocol and the push-delivery task endpoint.
type Server struct {
	uploads *upload.Coordinator
	runner  *pipeline.Runner
	log     *zap.SugaredLogger
}

func NewServer(uploads *upload.Coordinator, runner *pipeline.Runner, log *zap.SugaredLogger) *Server {
	return &Server{uploads: uploads, runner: runner, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "HEAD", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Content-Type", "Upload-Length", "Upload-Offset", "Upload-Metadata",
			"Upload-Chunk-Token", "X-Tenant-ID", "Department-Id", "Authorization",
		},
		ExposedHeaders: []string{"Location", "Upload-Offset", "Upload-Length"},
		MaxAge:         300,
	}))

	r.Route("/chunk/upload", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Route("/{id}", func(r chi.Router) {
			r.Patch("/", s.handleChunk)
			r.Head("/", s.handleProbe)
			r.Get("/", s.handleProbe)
			r.Delete("/", s.handleDelete)
			r.Post("/complete", s.handleComplete)
		})
	})
	r.Post("/tasks/push", s.handlePush)
	r.Get("/healthz", s.handleHealth)

	return r
}

// HTTPServer wraps the router with sane timeouts. Write timeout stays off
// since chunk PATCH bodies can be large on slow links.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
