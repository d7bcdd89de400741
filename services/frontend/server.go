// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package frontend serves the letter wizard as server-rendered pages.
//
// # Description
//
// Each browser is identified by a session cookie and mapped to a
// session.Session by the Manager. Every GET of a wizard page goes through
// Session.Navigate, which applies the terms guard, consumes reset=true and
// persists the page, so reloading any page resumes exactly where the user
// was. Pages that wait on generation refresh themselves with a poll
// parameter, which re-renders without re-entering the page.
package frontend

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/TenantLetter/pkg/config"
	"github.com/AleutianAI/TenantLetter/services/observability"
	"github.com/AleutianAI/TenantLetter/services/wizard/session"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page template names.
const (
	tmplIntro     = "intro"
	tmplTerms     = "terms"
	tmplForm      = "form"
	tmplEdit      = "edit"
	tmplAddresses = "addresses"
	tmplSubmitted = "submitted"
)

var pageTemplates = []string{tmplIntro, tmplTerms, tmplForm, tmplEdit, tmplAddresses, tmplSubmitted}

const sessionKey = "tenantletter.session"

// =============================================================================
// Configuration
// =============================================================================

// Config holds the web wizard settings.
type Config struct {
	Addr         string
	CookieName   string
	SecureCookie bool
	// CookieMaxAge is how long the browser keeps the session cookie.
	// Default 30 days.
	CookieMaxAge time.Duration
	// ChallengeURL is where the verification widget fetches challenges.
	ChallengeURL string
	// MailEnabled shows the certified mail action.
	MailEnabled bool
	// SweepSpec schedules idle session eviction.
	SweepSpec string
	// PollInterval is the self-refresh period of pending pages.
	PollInterval time.Duration
	Timeout      time.Duration
}

// ConfigFrom maps the application config onto Config.
func ConfigFrom(app config.AppConfig) Config {
	return Config{
		Addr:         app.Frontend.Addr,
		CookieName:   app.Frontend.CookieName,
		SecureCookie: app.Frontend.SecureCookie,
		ChallengeURL: app.Frontend.ChallengeURL,
		MailEnabled:  app.Mail.Enabled,
		SweepSpec:    app.Frontend.SweepSpec,
		Timeout:      app.API.Timeout,
	}
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.CookieName == "" {
		c.CookieName = "tenantletter_session"
	}
	if c.CookieMaxAge <= 0 {
		c.CookieMaxAge = 30 * 24 * time.Hour
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 10m"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// Deps are the collaborators of the web wizard.
type Deps struct {
	Sessions *session.Manager
	Metrics  *observability.Metrics
	// Gatherer backs /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// =============================================================================
// Server
// =============================================================================

// Server is the web wizard.
type Server struct {
	cfg      Config
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *slog.Logger
	router   *gin.Engine
}

// New builds the server.
//
// # Outputs
//
//   - *Server: Ready to Run or to serve through Router.
//   - error: Non-nil when the session manager is missing or the embedded
//     templates fail to parse.
func New(cfg Config, deps Deps) (*Server, error) {
	cfg.applyDefaults()
	if deps.Sessions == nil {
		return nil, errors.New("frontend: session manager is required")
	}
	pages, err := loadPages()
	if err != nil {
		return nil, err
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
		cfg:      cfg,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "frontend"),
	}

	router := gin.New()
	router.HTMLRender = pages
	router.Use(gin.Recovery(), otelgin.Middleware("tenantletter-frontend"), s.recordRequest())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	wizard := router.Group("/", s.withSession())
	{
		wizard.GET("/", s.page)
		wizard.GET("/terms", s.page)
		wizard.POST("/terms", s.acceptTerms)
		wizard.GET("/form/:n", s.page)
		wizard.POST("/form/:n", s.submitForm)
		wizard.GET("/edit", s.page)
		wizard.POST("/edit", s.submitEdit)
		wizard.GET("/addresses", s.page)
		wizard.POST("/addresses", s.submitAddresses)
		wizard.GET("/submitted", s.page)
		wizard.GET("/letter.pdf", s.letterPDF)
		wizard.POST("/mail", s.mail)
		wizard.POST("/restart", s.restart)
		wizard.GET("/status", s.status)
	}
	router.NoRoute(func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/")
	})
	s.router = router
	return s, nil
}

// Router returns the gin engine, for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is cancelled, sweeping idle sessions on the
// configured schedule, then shuts the server and every session down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.sessions.Start(s.cfg.SweepSpec); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:           s.cfg.Addr,
		Handler:        s.router,
		MaxHeaderBytes: 8 * 1024,
		ReadTimeout:    s.cfg.Timeout,
		WriteTimeout:   s.cfg.Timeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting web wizard", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("web wizard: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("web wizard shutdown: %w", err)
	}
	if err := s.sessions.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("close sessions: %w", err)
	}
	s.logger.Info("Web wizard stopped")
	return runErr
}

// withSession resolves the session cookie, issuing a new session when it is
// missing or unknown.
func (s *Server) withSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := c.Cookie(s.cfg.CookieName)
		sess, issued := s.sessions.Get(id)
		if issued != id {
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(s.cfg.CookieName, issued, int(s.cfg.CookieMaxAge.Seconds()), "/", "", s.cfg.SecureCookie, true)
		}
		c.Set(sessionKey, sess)
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
		s.metrics.RecordAPI("web "+c.Request.Method+" "+endpoint, c.Writer.Status())
	}
}

func sessionFrom(c *gin.Context) *session.Session {
	return c.MustGet(sessionKey).(*session.Session)
}

// =============================================================================
// Templates
// =============================================================================

// pageRender keeps one template set per page, each sharing the layout.
type pageRender map[string]*template.Template

var _ render.HTMLRender = pageRender(nil)

func (p pageRender) Instance(name string, data any) render.Render {
	return render.HTML{Template: p[name], Name: "layout", Data: data}
}

var templateFuncs = template.FuncMap{
	"paragraphs": paragraphs,
}

func loadPages() (pageRender, error) {
	out := make(pageRender, len(pageTemplates))
	for _, name := range pageTemplates {
		t, err := template.New(name).Funcs(templateFuncs).
			ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

// paragraphs splits text on blank lines.
func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
