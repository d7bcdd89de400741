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
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FallbackClient tries each client in order and returns the first success.
type FallbackClient struct {
	clients []LLMClient
	logger  *slog.Logger
}

var _ LLMClient = (*FallbackClient)(nil)

// NewFallbackClient chains clients. A nil logger uses slog.Default.
func NewFallbackClient(logger *slog.Logger, clients ...LLMClient) *FallbackClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackClient{clients: clients, logger: logger}
}

// Name implements Named.
func (f *FallbackClient) Name() string { return "fallback" }

// Generate implements LLMClient. Context cancellation stops the chain.
func (f *FallbackClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if len(f.clients) == 0 {
		return "", errors.New("llm: no clients configured")
	}
	var lastErr error
	for i, c := range f.clients {
		out, err := c.Generate(ctx, prompt, params)
		if err == nil {
			if i > 0 {
				f.logger.Warn("fallback llm used", "index", i, "client", nameOf(c))
			}
			return out, nil
		}
		lastErr = err
		f.logger.Error("llm client failed", "index", i, "client", nameOf(c), "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("all llm clients failed, last error: %w", lastErr)
}
