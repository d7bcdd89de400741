// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the tenantletter application config and the wizard
// question set.
//
// # Description
//
// AppConfig is read from an optional YAML file, layered over DefaultConfig,
// then overridden from TENANTLETTER_* environment variables (a .env file is
// loaded first when present) and validated. The question set is embedded and
// may be replaced by a file, which FileProvider watches for edits.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// configValidate validates AppConfig and QuestionSet.
var configValidate = validator.New()

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TENANTLETTER_"

// =============================================================================
// Types
// =============================================================================

// AppConfig is the complete process configuration.
type AppConfig struct {
	Frontend  FrontendConfig `yaml:"frontend"`
	API       APIConfig      `yaml:"api"`
	Storage   StorageConfig  `yaml:"storage"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Mail      MailConfig     `yaml:"mail"`
	LLM       LLMConfig      `yaml:"llm"`
	Logging   LoggingConfig  `yaml:"logging"`
	Tracing   TracingConfig  `yaml:"tracing"`
	Questions string         `yaml:"questions"` // path; empty uses the embedded set
}

// FrontendConfig configures the web wizard.
type FrontendConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	TextURL      string        `yaml:"text_url" validate:"required,url"`
	PDFURL       string        `yaml:"pdf_url" validate:"required,url"`
	ChallengeURL string        `yaml:"challenge_url" validate:"omitempty,url"`
	CookieName   string        `yaml:"cookie_name" validate:"required"`
	SecureCookie bool          `yaml:"secure_cookie"`
	SessionIdle  time.Duration `yaml:"session_idle" validate:"gt=0"`
	SweepSpec    string        `yaml:"sweep_spec" validate:"required"`
}

// APIConfig configures the letter API.
type APIConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	TypstPath    string        `yaml:"typst_path" validate:"required"`
	ReplayUses   int           `yaml:"replay_uses" validate:"gte=1"`
	ReplayWindow time.Duration `yaml:"replay_window" validate:"gt=0"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" validate:"gt=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	// ChallengeMax bounds the proof-of-work search space.
	ChallengeMax int `yaml:"challenge_max" validate:"gte=1000"`
	// ChallengeKey signs verification challenges. Empty generates a key at
	// startup, which invalidates outstanding challenges on restart.
	ChallengeKey  string `yaml:"-"`
	ReportWebhook string `yaml:"report_webhook" validate:"omitempty,url"`
	ReportSpec    string `yaml:"report_spec"`
}

// StorageConfig selects the persistent store backend.
type StorageConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=memory badger redis"`
	Path      string        `yaml:"path" validate:"required_if=Backend badger"`
	RedisAddr string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisTTL  time.Duration `yaml:"redis_ttl" validate:"gte=0"`
}

// PipelineConfig bounds the generation stages.
type PipelineConfig struct {
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	SlowAfter time.Duration `yaml:"slow_after" validate:"gt=0"`
	Attempts  int           `yaml:"attempts" validate:"gte=1,lte=10"`
	BaseDelay time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay  time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// MailConfig configures certified mail dispatch.
type MailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	Duplex   bool   `yaml:"duplex"`
}

// LLMConfig selects and tunes the letter-writing model providers.
type LLMConfig struct {
	// Providers are tried in order until one succeeds.
	Providers         []string      `yaml:"providers" validate:"required,min=1,dive,oneof=mock openai ollama"`
	MaxOutputTokens   int           `yaml:"max_output_tokens" validate:"gt=0"`
	Temperature       float32       `yaml:"temperature" validate:"gte=0,lte=2"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	OpenAI            OpenAIConfig  `yaml:"openai"`
	Ollama            OllamaConfig  `yaml:"ollama"`
	MockDelay         time.Duration `yaml:"mock_delay" validate:"gte=0"`
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"-"`
}

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	Model   string `yaml:"model"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration that runs everything on one machine
// with the mock model and an on-disk store.
func DefaultConfig() AppConfig {
	return AppConfig{
		Frontend: FrontendConfig{
			Addr:         ":3000",
			TextURL:      "http://localhost:3001/api/text",
			PDFURL:       "http://localhost:3001/api/pdf",
			ChallengeURL: "http://localhost:3001/api/altcha/challenge",
			CookieName:   "tenantletter_session",
			SessionIdle:  2 * time.Hour,
			SweepSpec:    "@every 10m",
		},
		API: APIConfig{
			Addr:         ":3001",
			TypstPath:    "typst",
			ReplayUses:   2,
			ReplayWindow: 10 * time.Minute,
			MaxBodyBytes: 64 * 1024,
			Timeout:      60 * time.Second,
			ChallengeMax: 100000,
			ReportSpec:   "@daily",
		},
		Storage: StorageConfig{
			Backend:  "badger",
			Path:     "~/.tenantletter/data",
			RedisTTL: 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Timeout:   60 * time.Second,
			SlowAfter: 10 * time.Second,
			Attempts:  3,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  5 * time.Second,
		},
		Mail: MailConfig{
			Enabled:  true,
			Endpoint: "https://www.onlinecertifiedmail.com/step2.php",
		},
		LLM: LLMConfig{
			Providers:         []string{"mock"},
			MaxOutputTokens:   800,
			Temperature:       0.3,
			RequestsPerSecond: 1,
			Burst:             3,
			OpenAI:            OpenAIConfig{Model: "gpt-4o-mini"},
			Ollama:            OllamaConfig{BaseURL: "http://localhost:11434", Model: "llama3.1"},
			MockDelay:         2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

// =============================================================================
// Loading
// =============================================================================

// LoadDotEnv loads environment files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from path (optional) and the environment.
//
// Description:
//
//	Starts from DefaultConfig, decodes the YAML file over it when path is
//	non-empty, applies TENANTLETTER_* overrides, then validates.
//
// Inputs:
//
//	path - YAML file path, or "" for defaults only.
//
// Outputs:
//
//	AppConfig - The validated configuration.
//	error - Non-nil if the file cannot be read or decoded, an override is
//	malformed, or validation fails.
func Load(path string) (AppConfig, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (AppConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *AppConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Pipeline.SlowAfter > c.Pipeline.Timeout {
		return fmt.Errorf("invalid config: pipeline.slow_after (%s) exceeds pipeline.timeout (%s)",
			c.Pipeline.SlowAfter, c.Pipeline.Timeout)
	}
	if c.Mail.Enabled && c.Mail.Endpoint == "" {
		return errors.New("invalid config: mail.endpoint is required when mail is enabled")
	}
	for _, p := range c.LLM.Providers {
		if p == "openai" && c.LLM.OpenAI.APIKey == "" {
			return errors.New("invalid config: the openai provider needs TENANTLETTER_OPENAI_API_KEY or OPENAI_API_KEY")
		}
	}
	return nil
}

// LoadQuestions returns the question set at path, or the embedded one when
// path is empty.
func LoadQuestions(path string) (*QuestionSet, error) {
	if path == "" {
		return DefaultQuestions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question set: %w", err)
	}
	return ParseQuestions(data)
}

// =============================================================================
// Environment Overrides
// =============================================================================

type envSetter func(c *AppConfig, v string) error

var envOverrides = map[string]envSetter{
	"FRONTEND_ADDR":     setString(func(c *AppConfig) *string { return &c.Frontend.Addr }),
	"TEXT_URL":          setString(func(c *AppConfig) *string { return &c.Frontend.TextURL }),
	"PDF_URL":           setString(func(c *AppConfig) *string { return &c.Frontend.PDFURL }),
	"SECURE_COOKIE":     setBool(func(c *AppConfig) *bool { return &c.Frontend.SecureCookie }),
	"SESSION_IDLE":      setDuration(func(c *AppConfig) *time.Duration { return &c.Frontend.SessionIdle }),
	"API_ADDR":          setString(func(c *AppConfig) *string { return &c.API.Addr }),
	"TYPST_PATH":        setString(func(c *AppConfig) *string { return &c.API.TypstPath }),
	"CHALLENGE_URL":     setString(func(c *AppConfig) *string { return &c.Frontend.ChallengeURL }),
	"CHALLENGE_KEY":     setString(func(c *AppConfig) *string { return &c.API.ChallengeKey }),
	"REPORT_WEBHOOK":    setString(func(c *AppConfig) *string { return &c.API.ReportWebhook }),
	"REPORT_SPEC":       setString(func(c *AppConfig) *string { return &c.API.ReportSpec }),
	"STORE":             setString(func(c *AppConfig) *string { return &c.Storage.Backend }),
	"STORE_PATH":        setString(func(c *AppConfig) *string { return &c.Storage.Path }),
	"REDIS_ADDR":        setString(func(c *AppConfig) *string { return &c.Storage.RedisAddr }),
	"STAGE_TIMEOUT":     setDuration(func(c *AppConfig) *time.Duration { return &c.Pipeline.Timeout }),
	"MAIL_ENABLED":      setBool(func(c *AppConfig) *bool { return &c.Mail.Enabled }),
	"MAIL_ENDPOINT":     setString(func(c *AppConfig) *string { return &c.Mail.Endpoint }),
	"LLM_PROVIDERS":     setList(func(c *AppConfig) *[]string { return &c.LLM.Providers }),
	"MAX_OUTPUT_TOKENS": setInt(func(c *AppConfig) *int { return &c.LLM.MaxOutputTokens }),
	"RATE_LIMIT_RPS":    setFloat(func(c *AppConfig) *float64 { return &c.LLM.RequestsPerSecond }),
	"RATE_LIMIT_BURST":  setInt(func(c *AppConfig) *int { return &c.LLM.Burst }),
	"OPENAI_BASE_URL":   setString(func(c *AppConfig) *string { return &c.LLM.OpenAI.BaseURL }),
	"OPENAI_MODEL":      setString(func(c *AppConfig) *string { return &c.LLM.OpenAI.Model }),
	"OPENAI_API_KEY":    setString(func(c *AppConfig) *string { return &c.LLM.OpenAI.APIKey }),
	"OLLAMA_BASE_URL":   setString(func(c *AppConfig) *string { return &c.LLM.Ollama.BaseURL }),
	"OLLAMA_MODEL":      setString(func(c *AppConfig) *string { return &c.LLM.Ollama.Model }),
	"LOG_LEVEL":         setString(func(c *AppConfig) *string { return &c.Logging.Level }),
	"LOG_DIR":           setString(func(c *AppConfig) *string { return &c.Logging.Dir }),
	"LOG_JSON":          setBool(func(c *AppConfig) *bool { return &c.Logging.JSON }),
	"TRACE_EXPORTER":    setString(func(c *AppConfig) *string { return &c.Tracing.Exporter }),
	"TRACE_ENDPOINT":    setString(func(c *AppConfig) *string { return &c.Tracing.Endpoint }),
	"QUESTIONS":         setString(func(c *AppConfig) *string { return &c.Questions }),
}

func applyEnv(c *AppConfig, lookup func(string) (string, bool)) error {
	// Conventional unprefixed keys are honoured when the prefixed ones are unset.
	if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" {
		c.LLM.OpenAI.APIKey = v
	}
	if v, ok := lookup("ALTCHA_HMAC_KEY"); ok && v != "" {
		c.API.ChallengeKey = v
	}
	for suffix, set := range envOverrides {
		v, ok := lookup(EnvPrefix + suffix)
		if !ok {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, suffix, err)
		}
	}
	return nil
}

func setString(field func(*AppConfig) *string) envSetter {
	return func(c *AppConfig, v string) error {
		*field(c) = v
		return nil
	}
}

func setBool(field func(*AppConfig) *bool) envSetter {
	return func(c *AppConfig, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func setInt(field func(*AppConfig) *int) envSetter {
	return func(c *AppConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setFloat(field func(*AppConfig) *float64) envSetter {
	return func(c *AppConfig, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func setDuration(field func(*AppConfig) *time.Duration) envSetter {
	return func(c *AppConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func setList(field func(*AppConfig) *[]string) envSetter {
	return func(c *AppConfig, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*field(c) = out
		return nil
	}
}
