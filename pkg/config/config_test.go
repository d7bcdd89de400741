// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.SlowAfter)
	assert.Equal(t, 3, cfg.Pipeline.Attempts)
	assert.Equal(t, int64(64*1024), cfg.API.MaxBodyBytes)
	assert.Equal(t, 2, cfg.API.ReplayUses)
	assert.Equal(t, []string{"mock"}, cfg.LLM.Providers)
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenantletter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
frontend:
  addr: ":8080"
storage:
  backend: memory
pipeline:
  timeout: 30s
  slow_after: 5s
logging:
  level: debug
  json: true
`), 0o600))

	cfg, err := load(path, envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Frontend.Addr)
	assert.Equal(t, "http://localhost:3001/api/text", cfg.Frontend.TextURL, "unset fields keep defaults")
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.SlowAfter)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := load("", envFrom(map[string]string{
		"TENANTLETTER_STORE":            "redis",
		"TENANTLETTER_REDIS_ADDR":       "redis:6379",
		"TENANTLETTER_STAGE_TIMEOUT":    "45s",
		"TENANTLETTER_LLM_PROVIDERS":    "openai, mock",
		"TENANTLETTER_RATE_LIMIT_BURST": "5",
		"TENANTLETTER_MAIL_ENABLED":     "false",
		"OPENAI_API_KEY":                "sk-test",
	}))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, []string{"openai", "mock"}, cfg.LLM.Providers)
	assert.Equal(t, 5, cfg.LLM.Burst)
	assert.False(t, cfg.Mail.Enabled)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAI.APIKey)
}

func TestLoad_PrefixedKeyWins(t *testing.T) {
	cfg, err := load("", envFrom(map[string]string{
		"OPENAI_API_KEY":              "plain",
		"TENANTLETTER_OPENAI_API_KEY": "prefixed",
	}))
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.LLM.OpenAI.APIKey)

	cfg, err = load("", envFrom(map[string]string{
		"ALTCHA_HMAC_KEY":             "plain",
		"TENANTLETTER_REPORT_WEBHOOK": "https://hooks.example.com/stats",
		"TENANTLETTER_CHALLENGE_KEY":  "prefixed",
		"TENANTLETTER_REPORT_SPEC":    "@hourly",
		"TENANTLETTER_CHALLENGE_URL":  "https://api.example.com/api/altcha/challenge",
	}))
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.API.ChallengeKey)
	assert.Equal(t, "https://hooks.example.com/stats", cfg.API.ReportWebhook)
	assert.Equal(t, "@hourly", cfg.API.ReportSpec)
	assert.Equal(t, "https://api.example.com/api/altcha/challenge", cfg.Frontend.ChallengeURL)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"TENANTLETTER_STAGE_TIMEOUT": "soon"}},
		{"bad bool", map[string]string{"TENANTLETTER_LOG_JSON": "maybe"}},
		{"unknown backend", map[string]string{"TENANTLETTER_STORE": "s3"}},
		{"redis without addr", map[string]string{"TENANTLETTER_STORE": "redis"}},
		{"unknown provider", map[string]string{"TENANTLETTER_LLM_PROVIDERS": "gemini"}},
		{"openai without key", map[string]string{"TENANTLETTER_LLM_PROVIDERS": "openai"}},
		{"slow after timeout", map[string]string{"TENANTLETTER_STAGE_TIMEOUT": "5s"}},
		{"otlp without endpoint", map[string]string{"TENANTLETTER_TRACE_EXPORTER": "otlp"}},
		{"bad log level", map[string]string{"TENANTLETTER_LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load("", envFrom(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), envFrom(nil))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TENANTLETTER_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("TENANTLETTER_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("TENANTLETTER_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("TENANTLETTER_TEST_DOTENV"))
}
