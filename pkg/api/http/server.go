package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/valset/internal/application/workers"
	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Orchestrator is the part of the orchestration manager the API uses
type Orchestrator interface {
	Submit(ctx context.Context, sub domain.Submission) (*domain.ValidationSet, bool, error)
	Process(ctx context.Context, setID string) error
	GetSet(ctx context.Context, setID string) (*domain.ValidationSet, error)
	FindActive(ctx context.Context, key domain.ArtifactKey) (*domain.ValidationSet, error)
}

// WorkerPool reports the state of the set processing workers
type WorkerPool interface {
	GetStatus() map[string]workers.WorkerStatus
	Health() *workers.HealthMonitor
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator Orchestrator
	queue        ports.SubmissionQueue
	pool         WorkerPool
	logger       *zap.Logger
	now          func() time.Time
}

// Config holds HTTP server configuration
type Config struct {
	Port         int
	Orchestrator Orchestrator
	// Queue receives throttled submissions. Nil disables POST /submissions.
	Queue ports.SubmissionQueue
	// Pool may be nil when no workers run in this process.
	Pool     WorkerPool
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		queue:        cfg.Queue,
		pool:         cfg.Pool,
		logger:       cfg.Logger,
		now:          time.Now,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(gatherer)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/submissions", s.handleEnqueueSubmission)
		v1.POST("/validations", s.handleSubmitValidation)

		v1.GET("/sets/:id", s.handleGetSet)
		v1.GET("/sets/:id/status", s.handleGetStatus)
		v1.POST("/sets/:id/process", s.handleProcessSet)

		v1.GET("/artifacts/:artifact/versions/:version/active", s.handleGetActiveSet)

		v1.GET("/workers", s.handleListWorkers)
	}
}

// SetupWebSocket routes the per-set event stream to handler
func (s *Server) SetupWebSocket(handler gin.HandlerFunc) {
	s.router.GET("/api/v1/sets/:id/ws", handler)
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
