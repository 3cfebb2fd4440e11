package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/pipeline"
	"github.com/opensource-finance/heron/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. The pipeline supplies the repository,
// cache, bus and metrics; ruleEngine and queue may be nil.
func NewServer(cfg domain.ServerConfig, p *pipeline.Pipeline, ruleEngine *rules.Engine, queue Queue, version string) *Server {
	handler := NewHandler(cfg, p, ruleEngine, queue, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware(p.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// no tenant required
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if p.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", p.Metrics.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// analysis runs count against the tenant's rate limit
		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(p.Cache, cfg.RateLimitPerMinute, p.Metrics))

			r.Post("/analyze", handler.Analyze)
			r.Post("/upload", handler.Upload)
			r.Get("/sample-data", handler.SampleData)
			r.Post("/analyses/async", handler.SubmitAnalysis)
		})

		r.Get("/analyses", handler.ListAnalyses)
		r.Get("/analyses/{id}", handler.GetAnalysis)
		r.Get("/analyses/{id}/transactions", handler.ListAnalysisTransactions)

		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
