// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AleutianAI/TenantLetter/pkg/config"
	"github.com/AleutianAI/TenantLetter/pkg/logging"
	"github.com/AleutianAI/TenantLetter/services/letterapi"
	"github.com/AleutianAI/TenantLetter/services/llm"
	"github.com/AleutianAI/TenantLetter/services/observability"
	badgerdb "github.com/AleutianAI/TenantLetter/services/storage/badger"
	"github.com/AleutianAI/TenantLetter/services/wizard/mail"
	"github.com/AleutianAI/TenantLetter/services/wizard/pipeline"
	"github.com/AleutianAI/TenantLetter/services/wizard/session"
	"github.com/AleutianAI/TenantLetter/services/wizard/store"
)

// =============================================================================
// App
// =============================================================================

// app holds what every command shares: configuration, logging, metrics and
// the outbound HTTP client. Resources opened while wiring a command are
// released by close in reverse order.
type app struct {
	cfg     config.AppConfig
	log     *logging.Logger
	metrics *observability.Metrics
	client  *http.Client

	provider config.Provider
	closers  []func()
}

// newApp builds the shared state.
//
// # Inputs
//
//   - ctx: Used to start the trace exporter.
//   - cfg: Validated configuration.
//   - service: Command name; becomes the log service and the trace
//     service.name suffix.
//   - console: When false nothing is written to stdout or stderr.
//   - reg: Registry for the process metrics.
//
// # Outputs
//
//   - *app: Ready for wiring. Caller must call close.
//   - error: Non-nil if the log level or trace exporter is invalid.
func newApp(ctx context.Context, cfg config.AppConfig, service string, console bool, reg prometheus.Registerer) (*app, error) {
	lc, err := loggingConfig(cfg.Logging, service, console)
	if err != nil {
		return nil, err
	}
	logger := logging.New(lc)
	slog.SetDefault(logger.Slog())

	var traceOut io.Writer = os.Stderr
	if !console {
		traceOut = io.Discard
	}
	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Service:  "tenantletter-" + service,
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Writer:   traceOut,
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		log:     logger,
		metrics: observability.NewMetrics(reg),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	a.onClose(func() { _ = logger.Close() })
	a.onClose(func() { shutdown(context.Background()) })
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func loggingConfig(cfg config.LoggingConfig, service string, console bool) (logging.Config, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return logging.Config{}, err
	}
	lc := logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: service,
		JSON:    cfg.JSON,
	}
	if !console {
		lc.Quiet = true
		lc.Output = io.Discard
	}
	return lc, nil
}

// =============================================================================
// Wiring
// =============================================================================

// questions returns the shared question provider, watching cfg.Questions
// for edits when it names a file.
func (a *app) questions() (config.Provider, error) {
	if a.provider != nil {
		return a.provider, nil
	}
	if a.cfg.Questions == "" {
		a.provider = config.NewStaticProvider(nil)
		return a.provider, nil
	}
	fp, err := config.NewFileProvider(a.cfg.Questions, a.log.Slog())
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = fp.Close() })
	a.provider = fp
	return fp, nil
}

// backend opens the configured session store.
func (a *app) backend(ctx context.Context) (store.Backend, error) {
	switch a.cfg.Storage.Backend {
	case "memory":
		a.log.Warn("Session store is in memory; answers are lost on restart")
		return store.NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Storage.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", a.cfg.Storage.RedisAddr, err)
		}
		a.onClose(func() { _ = client.Close() })
		return store.NewRedis(client, a.cfg.Storage.RedisTTL), nil
	default:
		bc := badgerdb.DefaultConfig()
		bc.Path = expandHome(a.cfg.Storage.Path)
		bc.Logger = a.log.Slog().With("component", "badger")
		db, err := badgerdb.Open(bc)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = db.Close() })
		return store.NewBadger(db), nil
	}
}

// sessionDeps wires everything a wizard session needs: questions, store,
// the letter API client and, when enabled, the certified mail dispatcher.
func (a *app) sessionDeps(ctx context.Context) (session.Deps, error) {
	qs, err := a.questions()
	if err != nil {
		return session.Deps{}, err
	}
	backend, err := a.backend(ctx)
	if err != nil {
		return session.Deps{}, err
	}
	api := pipeline.NewHTTPClient(a.cfg.Frontend.TextURL, a.cfg.Frontend.PDFURL,
		pipeline.WithHTTPClient(a.client))

	deps := session.Deps{
		Questions: qs,
		Backend:   backend,
		Text:      api,
		Docs:      api,
		Pipeline:  pipelineConfig(a.cfg.Pipeline),
		Duplex:    a.cfg.Mail.Duplex,
		Logger:    a.log.Slog(),
		Metrics:   a.metrics,
	}
	if a.cfg.Mail.Enabled {
		partner, err := mail.NewPartner(a.cfg.Mail.Endpoint,
			mail.WithLogger(a.log.Slog()),
			mail.WithMetrics(a.metrics))
		if err != nil {
			return session.Deps{}, err
		}
		deps.Mailer = partner
	}
	return deps, nil
}

// letterAPI wires the text, PDF and challenge endpoints.
func (a *app) letterAPI() (*letterapi.Server, error) {
	qs, err := a.questions()
	if err != nil {
		return nil, err
	}
	model, err := llm.FromConfig(a.cfg.LLM, a.client, a.log.Slog())
	if err != nil {
		return nil, err
	}
	challenger, err := letterapi.NewChallenger(a.cfg.API.ChallengeKey, a.cfg.API.ChallengeMax, a.cfg.API.ReplayWindow)
	if err != nil {
		return nil, err
	}
	if a.cfg.API.ChallengeKey == "" {
		a.log.Warn("No challenge key configured; outstanding challenges are invalid after a restart")
	}
	return letterapi.New(letterapi.ConfigFrom(a.cfg), letterapi.Deps{
		Questions:  qs,
		LLM:        model,
		Renderer:   letterapi.TypstRenderer{Path: a.cfg.API.TypstPath},
		Challenger: challenger,
		Metrics:    a.metrics,
		Logger:     a.log.Slog(),
	})
}

func pipelineConfig(c config.PipelineConfig) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Timeout = c.Timeout
	cfg.SlowAfter = c.SlowAfter
	cfg.Retry = pipeline.RetryPolicy{
		Attempts:  c.Attempts,
		BaseDelay: c.BaseDelay,
		MaxDelay:  c.MaxDelay,
	}
	return cfg
}

// terminalSessionID derives a stable session ID from name so the same
// person resumes their saved answers.
func terminalSessionID(name string) string {
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		name = "default"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("tenantletter/terminal/"+name)).String()
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
