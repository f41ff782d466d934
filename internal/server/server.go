// Package server exposes the engine over HTTP.
//
// Thin layer: every handler validates input, calls one lifecycle operation,
// and maps errors to status codes. Gin with zerolog request logging.
package server

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/First008/codeindex/internal/lifecycle"
	"github.com/First008/codeindex/internal/store"
	"github.com/First008/codeindex/pkg/telemetry"
)

// Server is the HTTP front of the engine. It is the API layer that owns
// repository registration; the lifecycle manager only reads repository rows.
type Server struct {
	manager *lifecycle.Manager
	store   *store.Store
	metrics *telemetry.Metrics
	port    int
	logger  zerolog.Logger
	engine  *gin.Engine
}

// New creates the server and wires its routes.
func New(manager *lifecycle.Manager, st *store.Store, metrics *telemetry.Metrics, port int, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLogger(logger))
	engine.Use(gin.Recovery())

	s := &Server{
		manager: manager,
		store:   st,
		metrics: metrics,
		port:    port,
		logger:  logger,
		engine:  engine,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.POST("/index", s.handleIndex)
	v1.POST("/search", s.handleSearch)
	v1.POST("/reindex", s.handleReindex)
	v1.GET("/repos/:id/indexes", s.handleListIndexes)
}

// Start blocks serving HTTP.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")
	return s.engine.Run(addr)
}

// ginLogger logs each request through zerolog.
func ginLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
