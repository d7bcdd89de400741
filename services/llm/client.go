// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the language model backends that draft letter
// bodies: OpenAI-compatible APIs, Ollama, and a mock, plus fallback and
// rate-limited wrappers.
package llm

import (
	"context"
	"errors"
)

// ErrRateLimited is returned by RateLimitedClient when no token is
// available.
var ErrRateLimited = errors.New("llm: rate limit exceeded")

// ErrEmptyResponse means the backend answered without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

type GenerationParams struct {
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float32 `json:"temperature"`
	TopK         *int     `json:"top_k"`
	TopP         *float32 `json:"top_p"`
	MaxTokens    *int     `json:"max_tokens"`
	Stop         []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Named is implemented by clients that can identify themselves in logs.
type Named interface {
	Name() string
}

func nameOf(c LLMClient) string {
	if n, ok := c.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
