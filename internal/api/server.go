// Package api exposes the prediction service over HTTP and a WebSocket
// event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cvalentine99/honeyclass/internal/logging"
	"github.com/cvalentine99/honeyclass/internal/metrics"
	"github.com/cvalentine99/honeyclass/internal/ml"
	"github.com/cvalentine99/honeyclass/internal/models"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Deps are the collaborators the server routes to. Batch, Hub and Metrics
// are optional.
type Deps struct {
	Predictor *ml.Predictor
	Batch     *ml.BatchPipeline
	Profiler  *ml.IPProfiler
	Hub       *Hub
	Metrics   *metrics.Metrics
}

// Server is the HTTP surface of the predictor.
type Server struct {
	config    Config
	deps      Deps
	validator *SchemaValidator
	analyzer  ml.CommandAnalyzer
	router    *gin.Engine
	logger    *logging.Logger
}

// NewServer builds the router.
func NewServer(config Config, deps Deps) (*Server, error) {
	if deps.Predictor == nil {
		return nil, errors.New("api: predictor is required")
	}
	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	if deps.Profiler == nil {
		if deps.Profiler, err = ml.NewIPProfiler(10000); err != nil {
			return nil, err
		}
	}

	s := &Server{
		config:    config,
		deps:      deps,
		validator: validator,
		router:    gin.New(),
		logger:    logging.APILogger(),
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery(), s.requestLogger())

	api := s.router.Group("/api/v1")
	{
		api.POST("/predict", s.predict)
		api.POST("/predict/batch", s.predictBatch)
		api.POST("/threat-score", s.threatScore)
		api.POST("/analyze/command", s.analyzeCommand)

		api.GET("/models", s.listModels)
		api.POST("/models/reload", s.reloadModels)
		api.DELETE("/cache", s.clearCache)
	}

	s.router.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	if s.deps.Hub != nil {
		s.router.GET("/ws", func(c *gin.Context) {
			s.deps.Hub.ServeWS(c.Writer, c.Request)
		})
	}
}

// requestLogger logs each request and observes prediction latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if s.deps.Metrics != nil && route != "" && c.Request.Method == http.MethodPost {
			s.deps.Metrics.ObserveLatency(route, elapsed)
		}
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			logging.Duration("elapsed", elapsed),
		)
	}
}

func errorBody(err error) gin.H {
	return gin.H{"error": err.Error()}
}

// readRecord reads and validates a single record body.
func (s *Server) readRecord(c *gin.Context) (models.AttackRecord, bool) {
	var rec models.AttackRecord
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyLen))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return rec, false
	}
	if err := s.validator.ValidateRecord(data); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return rec, false
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return rec, false
	}
	return rec, true
}

// predictionStatus maps a prediction's error to an HTTP status.
func predictionStatus(p ml.Prediction) int {
	switch {
	case !p.Failed():
		return http.StatusOK
	case errors.Is(p.Err, ml.ErrNotLoaded), errors.Is(p.Err, ml.ErrQueueFull), errors.Is(p.Err, ml.ErrPipelineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(p.Err, ml.ErrMalformedInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) predictOne(ctx context.Context, rec models.AttackRecord) (ml.Prediction, error) {
	if s.deps.Batch != nil {
		return s.deps.Batch.Predict(ctx, rec)
	}
	return s.deps.Predictor.Predict(rec), nil
}

func (s *Server) predict(c *gin.Context) {
	rec, ok := s.readRecord(c)
	if !ok {
		return
	}
	pred, err := s.predictOne(c.Request.Context(), rec)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody(err))
		return
	}
	c.JSON(predictionStatus(pred), pred)
}

type batchRequest struct {
	Records []models.AttackRecord `json:"records"`
}

func (s *Server) predictBatch(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyLen))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	if err := s.validator.ValidateBatch(data); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	var req batchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	preds := s.deps.Predictor.PredictBatch(req.Records)
	failed := 0
	for _, p := range preds {
		if p.Failed() {
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"predictions": preds,
		"count":       len(preds),
		"failed":      failed,
	})
}

func (s *Server) threatScore(c *gin.Context) {
	rec, ok := s.readRecord(c)
	if !ok {
		return
	}
	pred, err := s.predictOne(c.Request.Context(), rec)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody(err))
		return
	}
	c.JSON(predictionStatus(pred), gin.H{
		"threat_score": ml.ComputeThreatScore(pred.AttackType, pred.Confidence, pred.Anomalous()),
		"prediction":   pred,
	})
}

type analyzeRequest struct {
	Command     string    `json:"command" binding:"required"`
	SourceIP    string    `json:"source_ip"`
	ServiceType string    `json:"service_type"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *Server) analyzeCommand(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	resp := gin.H{"analysis": s.analyzer.Analyze(req.Command)}
	if req.SourceIP != "" {
		ts := req.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		resp["ip_profile"] = s.deps.Profiler.Observe(req.SourceIP, req.ServiceType, ts)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listModels(c *gin.Context) {
	p := s.deps.Predictor
	available, err := p.Store().List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	resp := gin.H{
		"state":     p.State().String(),
		"loaded":    p.IsLoaded(),
		"version":   p.Version(),
		"classes":   p.Classes(),
		"stats":     p.Stats(),
		"available": available,
	}
	if set, ok := p.Artifacts(); ok {
		resp["artifacts"] = set
	}
	if s.deps.Batch != nil {
		resp["batch"] = s.deps.Batch.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

type reloadRequest struct {
	Version string `json:"version"`
}

func (s *Server) reloadModels(c *gin.Context) {
	var req reloadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
	}
	if req.Version == "" {
		req.Version = ml.LatestVersion
	}

	p := s.deps.Predictor
	if p.LoadModels(c.Request.Context(), req.Version) {
		c.JSON(http.StatusOK, gin.H{"loaded": true, "version": p.Version(), "classes": p.Classes()})
		return
	}

	status := http.StatusNotFound
	if p.State() == ml.StateLoadFailed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{
		"loaded":    false,
		"requested": req.Version,
		"state":     p.State().String(),
		"version":   p.Version(),
	})
}

func (s *Server) clearCache(c *gin.Context) {
	cleared := s.deps.Predictor.Stats().CacheSize
	s.deps.Predictor.ClearCache()
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) health(c *gin.Context) {
	p := s.deps.Predictor
	resp := gin.H{
		"status":       "ok",
		"model_loaded": p.IsLoaded(),
		"state":        p.State().String(),
	}
	if s.deps.Hub != nil {
		resp["ws_clients"] = s.deps.Hub.Clients()
	}
	c.JSON(http.StatusOK, resp)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
