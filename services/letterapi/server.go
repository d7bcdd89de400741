// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package letterapi serves the two generation endpoints the wizard calls:
// POST /api/text drafts a letter body from answers with a language model,
// and POST /api/pdf typesets a letter into a PDF. It also issues the
// proof-of-work challenges that gate text generation.
//
// # Endpoints
//
//   - POST /api/text: {answers, verificationToken} -> {status, content}
//   - POST /api/pdf: {senderName, senderAddress, receiverName,
//     receiverAddress, body} -> {status, content: base64 PDF}
//   - GET /api/altcha/challenge: a signed challenge for the widget
//   - GET /api/stats, GET /healthz, GET /metrics
//
// Every error response is {status: "error", message}.
package letterapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/TenantLetter/pkg/config"
	"github.com/AleutianAI/TenantLetter/services/llm"
	"github.com/AleutianAI/TenantLetter/services/observability"
)

var apiTracer = otel.Tracer("tenantletter.letterapi")

const (
	statusSuccess = "success"
	statusError   = "error"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the letter API settings.
//
// # Fields
//
//   - Addr: Listen address. Default ":3001".
//   - MaxBodyBytes: Request body limit. Default 64 KiB.
//   - MaxHeaderBytes: Request header limit. Default 8 KiB.
//   - Timeout: Server read and write timeout. Default 60s.
//   - ReplayUses, ReplayWindow: How often a verification token is accepted
//     and for how long it is remembered. Default 2 uses in 10 minutes.
//   - MaxOutputTokens, Temperature: Model generation parameters.
//   - ReportWebhook, ReportSpec: Optional usage report target and cron
//     schedule.
type Config struct {
	Addr            string
	MaxBodyBytes    int64
	MaxHeaderBytes  int
	Timeout         time.Duration
	ReplayUses      int
	ReplayWindow    time.Duration
	MaxOutputTokens int
	Temperature     float32
	ReportWebhook   string
	ReportSpec      string
}

// ConfigFrom maps the application config onto Config.
func ConfigFrom(app config.AppConfig) Config {
	return Config{
		Addr:            app.API.Addr,
		MaxBodyBytes:    app.API.MaxBodyBytes,
		Timeout:         app.API.Timeout,
		ReplayUses:      app.API.ReplayUses,
		ReplayWindow:    app.API.ReplayWindow,
		MaxOutputTokens: app.LLM.MaxOutputTokens,
		Temperature:     app.LLM.Temperature,
		ReportWebhook:   app.API.ReportWebhook,
		ReportSpec:      app.API.ReportSpec,
	}
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":3001"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 * 1024
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 8 * 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.ReplayUses <= 0 {
		c.ReplayUses = 2
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = 10 * time.Minute
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 800
	}
	if c.ReportSpec == "" {
		c.ReportSpec = "@daily"
	}
}

// Deps are the collaborators of the API.
type Deps struct {
	Questions  config.Provider
	LLM        llm.LLMClient
	Renderer   Renderer
	Challenger *Challenger
	Metrics    *observability.Metrics
	// Gatherer backs /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// =============================================================================
// Server
// =============================================================================

// Server is the letter API.
//
// # Thread Safety
//
// Safe for concurrent use after New returns.
type Server struct {
	cfg        Config
	questions  config.Provider
	llm        llm.LLMClient
	renderer   Renderer
	challenger *Challenger
	replay     *ReplayGuard
	stats      *Analytics
	metrics    *observability.Metrics
	logger     *slog.Logger
	router     *gin.Engine
	now        func() time.Time
}

// New builds the server and its routes.
//
// # Inputs
//
//   - cfg: Settings; zero values take defaults.
//   - deps: Collaborators. Questions, LLM, Renderer and Challenger are
//     required.
//
// # Outputs
//
//   - *Server: Ready to Run or to serve through Router.
//   - error: Non-nil when a required collaborator is missing.
func New(cfg Config, deps Deps) (*Server, error) {
	cfg.applyDefaults()
	switch {
	case deps.Questions == nil:
		return nil, errors.New("letterapi: question provider is required")
	case deps.LLM == nil:
		return nil, errors.New("letterapi: llm client is required")
	case deps.Renderer == nil:
		return nil, errors.New("letterapi: renderer is required")
	case deps.Challenger == nil:
		return nil, errors.New("letterapi: challenger is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:        cfg,
		questions:  deps.Questions,
		llm:        deps.LLM,
		renderer:   deps.Renderer,
		challenger: deps.Challenger,
		replay:     NewReplayGuard(deps.Challenger.Key(), cfg.ReplayUses, cfg.ReplayWindow),
		stats:      &Analytics{},
		metrics:    deps.Metrics,
		logger:     logger.With("component", "letterapi"),
		now:        time.Now,
	}
	s.router = s.routes(gatherer)
	return s, nil
}

func (s *Server) routes(gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("tenantletter-api"), s.limitBody(), s.recordRequest())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.POST("/text", s.handleText)
		api.POST("/pdf", s.handlePDF)
		api.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.stats.Snapshot())
		})
		api.GET("/altcha/challenge", s.handleChallenge)
	}
	return router
}

// Router returns the gin engine, for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Stats returns the usage counters.
func (s *Server) Stats() Stats {
	return s.stats.Snapshot()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
//
// # Description
//
// Alongside the HTTP server it sweeps the replay guard every minute and,
// when a report webhook is configured, posts usage reports on the
// configured cron schedule.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.replay.Run(ctx, time.Minute)

	if s.cfg.ReportWebhook != "" {
		sched := cron.New()
		reporter := NewReporter(s.cfg.ReportWebhook, s.stats, nil, s.logger)
		if _, err := sched.AddFunc(s.cfg.ReportSpec, reporter.Job(ctx)); err != nil {
			return fmt.Errorf("schedule usage report %q: %w", s.cfg.ReportSpec, err)
		}
		sched.Start()
		defer sched.Stop()
	}

	srv := &http.Server{
		Addr:           s.cfg.Addr,
		Handler:        s.router,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
		ReadTimeout:    s.cfg.Timeout,
		WriteTimeout:   s.cfg.Timeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting letter API", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("letter api: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("letter api shutdown: %w", err)
	}
	s.logger.Info("Letter API stopped")
	return nil
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
		}
		c.Next()
	}
}

func (s *Server) recordRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.RecordAPI(endpoint, c.Writer.Status())
	}
}

func fail(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"status": statusError, "message": message})
}

// bindStatus maps a binding error to a response code.
func bindStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// =============================================================================
// Handlers
// =============================================================================

// TextRequest is the body of POST /api/text.
type TextRequest struct {
	Answers           map[string]string `json:"answers" binding:"required,max=64,dive,keys,max=64,endkeys,max=8000"`
	VerificationToken string            `json:"verificationToken" binding:"required"`
}

func (s *Server) handleText(c *gin.Context) {
	ctx, span := apiTracer.Start(c.Request.Context(), "letterapi.Text")
	defer span.End()

	var req TextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("Rejected text request", "error", err)
		fail(c, bindStatus(err), "failed to decode body")
		return
	}
	if err := s.challenger.Verify(req.VerificationToken); err != nil {
		s.logger.Warn("Verification failed", "error", err)
		fail(c, http.StatusForbidden, "verification failed")
		return
	}
	if !s.replay.Allow(req.VerificationToken) {
		fail(c, http.StatusForbidden, "verification already used")
		return
	}

	qs := s.questions.Questions()
	system, err := qs.SystemPrompt(s.now())
	if err != nil {
		s.logger.Error("Failed to template system prompt", "error", err)
		fail(c, http.StatusInternalServerError, "failed to template prompt")
		return
	}
	user, err := qs.UserPrompt(req.Answers)
	if err != nil {
		s.logger.Error("Failed to template answers", "error", err)
		fail(c, http.StatusBadRequest, "failed to template answers")
		return
	}

	temp, maxTokens := s.cfg.Temperature, s.cfg.MaxOutputTokens
	letter, err := s.llm.Generate(ctx, user, llm.GenerationParams{
		SystemPrompt: system,
		Temperature:  &temp,
		MaxTokens:    &maxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, llm.ErrRateLimited) {
			fail(c, http.StatusTooManyRequests, "too many requests, try again shortly")
			return
		}
		s.logger.Error("Failed to run inference", "error", err)
		fail(c, http.StatusInternalServerError, "failed to run inference")
		return
	}

	s.stats.IncrementInferences()
	c.JSON(http.StatusOK, gin.H{"status": statusSuccess, "content": letter})
}

// PDFRequest is the body of POST /api/pdf.
type PDFRequest struct {
	SenderName        string `json:"senderName" binding:"required,max=200"`
	SenderAddress     string `json:"senderAddress" binding:"required,max=500"`
	ReceiverName      string `json:"receiverName" binding:"required,max=200"`
	ReceiverAddress   string `json:"receiverAddress" binding:"required,max=500"`
	ComplaintSummary  string `json:"complaintSummary" binding:"max=500"`
	Body              string `json:"body" binding:"required,max=20000"`
	VerificationToken string `json:"verificationToken"`
}

func (s *Server) handlePDF(c *gin.Context) {
	ctx, span := apiTracer.Start(c.Request.Context(), "letterapi.PDF")
	defer span.End()

	var req PDFRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("Rejected pdf request", "error", err)
		fail(c, bindStatus(err), "failed to decode body")
		return
	}

	pdf, err := s.renderer.Render(ctx, LetterParams{
		SenderName:       req.SenderName,
		SenderAddress:    req.SenderAddress,
		ReceiverName:     req.ReceiverName,
		ReceiverAddress:  req.ReceiverAddress,
		ComplaintSummary: req.ComplaintSummary,
		LetterContent:    req.Body,
		Date:             s.now().Format("Mon, 02 Jan 2006"),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Failed to generate pdf", "error", err)
		fail(c, http.StatusInternalServerError, "failed to generate pdf")
		return
	}
	s.stats.IncrementPDFs()
	c.JSON(http.StatusOK, gin.H{"status": statusSuccess, "content": base64.StdEncoding.EncodeToString(pdf)})
}

func (s *Server) handleChallenge(c *gin.Context) {
	ch, err := s.challenger.New()
	if err != nil {
		s.logger.Error("Failed to create challenge", "error", err)
		fail(c, http.StatusInternalServerError, "failed to generate challenge")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, ch)
}
