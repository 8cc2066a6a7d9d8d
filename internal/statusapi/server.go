// Package statusapi serves Prometheus metrics and live run status while a load test is running.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triton-loadgen/triton-loadgen/internal/loadtest"
	"github.com/triton-loadgen/triton-loadgen/internal/metrics"
)

// SummarySource supplies the live run summary
type SummarySource interface {
	Summary() loadtest.Summary
}

// RunInfo describes the run being served
type RunInfo struct {
	RunID       string    `json:"run_id"`
	Endpoint    string    `json:"endpoint"`
	Model       string    `json:"model"`
	Concurrency int       `json:"concurrency"`
	StartedAt   time.Time `json:"started_at"`
}

// Server is the status HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	info    RunInfo
	summary SummarySource

	// Readiness state (atomic for thread-safe access)
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new status server
func New(info RunInfo, summary SummarySource, opts ...Option) *Server {
	s := &Server{
		logger:  slog.Default(),
		info:    info,
		summary: summary,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.ready.Store(true)
	s.setupRouter()
	return s
}

// SetReady sets the readiness state; it is cleared while the pool drains
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.recoveryMiddleware())

	router.GET("/healthz", s.handleHealth)
	router.GET("/status", s.handleStatus)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start listens on addr in the background. Bind errors are returned synchronously.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting status server", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{Status: "ok", Timestamp: time.Now()}
	if !s.ready.Load() {
		response.Status = "draining"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Run     RunInfo          `json:"run"`
	Uptime  string           `json:"uptime"`
	Summary loadtest.Summary `json:"summary"`
}

func (s *Server) handleStatus(c *gin.Context) {
	response := StatusResponse{
		Run:    s.info,
		Uptime: time.Since(s.info.StartedAt).Round(time.Second).String(),
	}
	if s.summary != nil {
		response.Summary = s.summary.Summary()
	}
	c.JSON(http.StatusOK, response)
}

// Middleware

var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !validRequestIDRegex.MatchString(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Matched route pattern keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
					slog.String("request_id", c.GetString("request_id")))

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "internal server error",
					"request_id": c.GetString("request_id"),
				})
			}
		}()
		c.Next()
	}
}
