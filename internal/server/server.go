// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/howard-nolan/llmapi/internal/config"
	"github.com/howard-nolan/llmapi/internal/metrics"
	"github.com/howard-nolan/llmapi/internal/provider"
)

// Server holds the HTTP router and everything handlers need. All fields are
// safe for concurrent use; no handler keeps state across requests.
type Server struct {
	router   chi.Router
	cfg      *config.Config
	models   *provider.Factory
	logger   *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
}

// New creates a Server and wires up routes and middleware.
func New(cfg *config.Config, models *provider.Factory, logger *zap.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		models:   models,
		logger:   logger,
		metrics:  m,
		validate: newValidator(),
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	// The browser frontend is served from another origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	// --- Routes ---
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/generate", s.handleGenerate)
	r.Post("/generate/stream", s.handleGenerateStream)
	r.Post("/structured", s.handleStructured)
	r.Post("/generar", s.handleGenerateQuestion)
	r.Post("/revisar", s.handleReview)

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
