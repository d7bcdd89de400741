// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/TenantLetter/pkg/config"
)

// FromConfig builds the configured provider chain, wrapped in a rate
// limiter. A single provider is used directly; several are chained with
// FallbackClient.
func FromConfig(cfg config.LLMConfig, httpClient *http.Client, logger *slog.Logger) (LLMClient, error) {
	var clients []LLMClient
	for _, name := range cfg.Providers {
		var (
			c   LLMClient
			err error
		)
		switch name {
		case "mock":
			c = &MockClient{Delay: cfg.MockDelay}
		case "openai":
			c, err = NewOpenAIClient(OpenAIConfig{
				APIKey:     cfg.OpenAI.APIKey,
				BaseURL:    cfg.OpenAI.BaseURL,
				Model:      cfg.OpenAI.Model,
				HTTPClient: httpClient,
			})
		case "ollama":
			c, err = NewOllamaClient(cfg.Ollama.BaseURL, cfg.Ollama.Model)
		default:
			err = fmt.Errorf("unknown llm provider %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("init %s: %w", name, err)
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no llm providers configured")
	}

	var chain LLMClient = clients[0]
	if len(clients) > 1 {
		chain = NewFallbackClient(logger, clients...)
	}
	return NewRateLimitedClient(chain, cfg.RequestsPerSecond, cfg.Burst), nil
}
