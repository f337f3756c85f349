package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/config"
	"github.com/Omer1970/ShippingAPP-sub001/internal/api/handlers"
	"github.com/Omer1970/ShippingAPP-sub001/internal/api/middleware"
	"github.com/Omer1970/ShippingAPP-sub001/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultShutdownTimeout = 5 * time.Second

// Dependencies are the handlers and collaborators served by the API
type Dependencies struct {
	Deliveries *handlers.DeliveryHandler
	Offline    *handlers.OfflineHandler
	Reviews    *handlers.ReviewHandler
	Metrics    *handlers.MetricsHandler
	Calls      middleware.CallRecorder
	Tracer     tracing.Tracer
}

// Server represents the HTTP server
type Server struct {
	config     config.Config
	deps       Dependencies
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, deps Dependencies) *Server {
	if deps.Tracer == nil {
		deps.Tracer = tracing.Disabled()
	}

	server := &Server{config: cfg, deps: deps}
	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           server.router,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.NewRelicMiddleware(s.deps.Tracer.Application()))
	router.Use(middleware.BodyLimit(s.config.Server.MaxBodyBytes))

	if s.deps.Metrics != nil {
		s.deps.Metrics.RegisterRoutes(router)
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RecordSuccessfulCalls(s.deps.Calls))
	if s.deps.Deliveries != nil {
		s.deps.Deliveries.RegisterRoutes(v1)
	}
	if s.deps.Offline != nil {
		s.deps.Offline.RegisterRoutes(v1)
	}
	if s.deps.Reviews != nil {
		s.deps.Reviews.RegisterRoutes(v1)
	}

	return router
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
