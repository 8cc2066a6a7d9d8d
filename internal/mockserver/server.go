// Package mockserver is an in-process stand-in for a Triton TensorRT-LLM
// server, with a byte-level tokenizer sidecar and test control endpoints.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/triton-loadgen/triton-loadgen/internal/codec"
	"github.com/triton-loadgen/triton-loadgen/internal/metrics"
	"github.com/triton-loadgen/triton-loadgen/internal/tokenizer"
	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

// ServerVersion is reported by GET /v2
const ServerVersion = "2.48.0-mock"

// Server is the mock Triton HTTP server
type Server struct {
	state      *State
	router     *gin.Engine
	logger     *slog.Logger
	httpServer *http.Server
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new mock Triton server
func NewServer(state *State, opts ...Option) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	// KServe v2 endpoints
	s.router.GET("/v2", s.handleServerMetadata)
	s.router.GET("/v2/health/live", s.handleLive)
	s.router.GET("/v2/health/ready", s.handleReady)
	s.router.GET("/v2/models/:model", s.handleModelMetadata)
	s.router.GET("/v2/models/:model/ready", s.handleModelReady)
	s.router.POST("/v2/models/:model/infer", s.handleInfer)

	// Tokenizer sidecar
	s.router.POST("/tokenize", s.handleTokenize)
	s.router.POST("/detokenize", s.handleDetokenize)

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
	s.router.GET("/_test/stats", s.handleTestStats)
}

// ErrorResponse matches Triton's error body
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleServerMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":       "triton",
		"version":    ServerVersion,
		"extensions": []string{"classification", "model_repository", "schedule_policy", "statistics"},
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.state.IsReady() {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleModelReady(c *gin.Context) {
	if !s.state.IsReady() || !s.state.HasModel(c.Param("model")) {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleModelMetadata(c *gin.Context) {
	model := c.Param("model")
	if !s.state.HasModel(model) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("Request for unknown model: '%s' is not found", model)})
		return
	}

	int32Tensor := func(name string, shape ...int64) gin.H {
		return gin.H{"name": name, "datatype": models.DatatypeINT32, "shape": shape}
	}
	c.JSON(http.StatusOK, gin.H{
		"name":     model,
		"versions": []string{"1"},
		"platform": "ensemble",
		"inputs": []gin.H{
			int32Tensor(models.TensorInputIDs, -1, -1),
			int32Tensor(models.TensorInputLengths, -1, 1),
			int32Tensor(models.TensorRequestOutputLen, -1, 1),
		},
		"outputs": []gin.H{
			int32Tensor(models.TensorOutputIDs, -1, -1, -1),
			int32Tensor(models.TensorSequenceLength, -1, -1),
		},
	})
}

func (s *Server) handleInfer(c *gin.Context) {
	model := c.Param("model")
	if !s.state.HasModel(model) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("Request for unknown model: '%s' is not found", model)})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	req, err := codec.UnmarshalRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	plan := s.state.nextInfer()
	if plan.delay > 0 {
		timer := time.NewTimer(plan.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.Request.Context().Done():
			return
		}
	}

	if plan.failStatus != 0 {
		msg := plan.failMessage
		if msg == "" {
			msg = http.StatusText(plan.failStatus)
		}
		c.JSON(plan.failStatus, ErrorResponse{Error: msg})
		return
	}

	ids, ok := req.Input(models.TensorInputIDs)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "input 'input_ids' is required"})
		return
	}
	if len(ids.Shape) != 2 || !ids.Consistent() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "input 'input_ids' has an unexpected shape"})
		return
	}

	outLen := 0
	if t, ok := req.Input(models.TensorRequestOutputLen); ok && len(t.Data) > 0 {
		outLen = int(t.Data[0])
	}
	generated := min(max(outLen, 0), plan.maxGenerated)

	resp := buildResponse(model, req.ID, ids.Data, generated, plan.mode)
	data, err := json.Marshal(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// buildResponse echoes the prompt row and appends n generated ids
func buildResponse(model, id string, prompt []int32, n int, mode OutputMode) *models.InferenceResponse {
	row := make([]int32, 0, len(prompt)+n)
	row = append(row, prompt...)
	for i := 0; i < n; i++ {
		row = append(row, byteToken('a'+byte(i%26)))
	}
	seqLen := int32(len(row))

	outputIDs := models.Tensor{
		Name:     models.TensorOutputIDs,
		Shape:    []int64{1, 1, int64(len(row))},
		Datatype: models.DatatypeINT32,
		Data:     row,
	}

	switch mode {
	case ModeBadShape:
		outputIDs.Shape = []int64{int64(len(row))}
	case ModeLengthMismatch:
		seqLen++
	}

	resp := &models.InferenceResponse{
		ModelName:    model,
		ModelVersion: "1",
		ID:           id,
		Outputs: []models.Tensor{
			{
				Name:     models.TensorSequenceLength,
				Shape:    []int64{1, 1},
				Datatype: models.DatatypeINT32,
				Data:     []int32{seqLen},
			},
		},
	}
	if mode != ModeMissingOutput {
		resp.Outputs = append(resp.Outputs, outputIDs)
	}
	return resp
}

func (s *Server) handleTokenize(c *gin.Context) {
	var req tokenizer.TokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.state.countTokenize()

	tokens := Tokenize(req.Prompt, req.AddSpecialTokens)
	c.JSON(http.StatusOK, tokenizer.TokenizeResponse{Count: len(tokens), Tokens: tokens})
}

func (s *Server) handleDetokenize(c *gin.Context) {
	var req tokenizer.DetokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.state.countDetokenize()

	c.JSON(http.StatusOK, tokenizer.DetokenizeResponse{Prompt: Detokenize(req.Tokens, req.SkipSpecialTokens)})
}

// Test control handlers

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TestConfig is the configuration for test behavior. Nil fields are left unchanged.
type TestConfig struct {
	Ready        *bool      `json:"ready"`
	DelayMs      *int       `json:"delay_ms"`
	FailStatus   *int       `json:"fail_status"`
	FailMessage  string     `json:"fail_message"`
	FailEvery    int        `json:"fail_every"`
	Mode         OutputMode `json:"mode"`
	MaxGenerated *int       `json:"max_generated"`
	Models       []string   `json:"models"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var config TestConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch config.Mode {
	case "", ModeEcho, ModeMissingOutput, ModeBadShape, ModeLengthMismatch:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode " + strconv.Quote(string(config.Mode))})
		return
	}

	if config.Ready != nil {
		s.state.SetReady(*config.Ready)
	}
	if config.DelayMs != nil {
		s.state.SetResponseDelay(time.Duration(*config.DelayMs) * time.Millisecond)
	}
	if config.FailStatus != nil {
		s.state.SetFailure(*config.FailStatus, config.FailMessage, config.FailEvery)
	}
	if config.Mode != "" {
		s.state.SetMode(config.Mode)
	}
	if config.MaxGenerated != nil {
		s.state.SetMaxGenerated(*config.MaxGenerated)
	}
	for _, m := range config.Models {
		s.state.AddModel(m)
	}

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

func (s *Server) handleTestStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Stats())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting mock triton server", slog.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down mock triton server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
