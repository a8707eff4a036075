// Package api exposes the RPC server over HTTP. One POST body is one
// protocol message; the reply is the response body.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
)

// AuditReader lists recent audit records
type AuditReader interface {
	Recent(limit int) ([]rpc.AuditRecord, error)
}

// Server represents the HTTP front of an rpc.Server
type Server struct {
	rpc        *rpc.Server
	router     *gin.Engine
	port       int
	httpServer *http.Server
	log        logrus.FieldLogger
	gatherer   prometheus.Gatherer
	audit      AuditReader
	started    time.Time
	config     *Config
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	CORSOrigins  []string
	EnableAdmin  bool    // serve /api/v1/sessions and /api/v1/audit
	RateLimit    float64 // Requests per second per IP
	RateBurst    int
	RateTTL      time.Duration
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		RateLimit:    50,
		RateBurst:    100,
		RateTTL:      time.Hour,
		MaxBodyBytes: 1 << 20,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Option configures optional endpoints
type Option func(*Server)

// WithGatherer serves gatherer at /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithAuditReader serves recent audit records at /api/v1/audit when the
// admin endpoints are enabled
func WithAuditReader(r AuditReader) Option {
	return func(s *Server) { s.audit = r }
}

// NewServer creates a new HTTP API server in front of srv
func NewServer(srv *rpc.Server, config *Config, logger logrus.FieldLogger, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		rpc:     srv,
		router:  gin.New(),
		port:    config.Port,
		log:     logger,
		started: time.Now(),
		config:  config,
	}
	for _, opt := range opts {
		opt(server)
	}

	server.setupMiddleware(config)
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(config *Config) {
	// Error recovery
	s.router.Use(gin.Recovery())

	// Request logging
	s.router.Use(LoggingMiddleware(s.log))

	if config.EnableCORS {
		s.router.Use(CORSMiddleware(config.CORSOrigins))
	}

	if config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(config.RateLimit, config.RateBurst, config.RateTTL))
	}

	s.router.Use(BodyLimitMiddleware(config.MaxBodyBytes))
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	s.router.POST("/rpc", s.handleRPC)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/methods", s.handleMethods)

		// session ids, user names and error text
		if s.config.EnableAdmin {
			v1.GET("/sessions", s.handleSessions)
			if s.audit != nil {
				v1.GET("/audit", s.handleAudit)
			}
		}
	}

	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)
}

// Handler returns the HTTP handler, for tests and custom listeners
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("port", s.port).Info("HTTP server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}
