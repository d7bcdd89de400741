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

	"golang.org/x/time/rate"
)

// RateLimitedClient rejects calls beyond a token-bucket rate instead of
// queueing them, so a burst of submissions fails fast.
type RateLimitedClient struct {
	client  LLMClient
	limiter *rate.Limiter
}

var _ LLMClient = (*RateLimitedClient)(nil)

// NewRateLimitedClient allows perSecond calls with bursts of burst. A
// non-positive perSecond disables limiting.
func NewRateLimitedClient(client LLMClient, perSecond float64, burst int) *RateLimitedClient {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{client: client, limiter: rate.NewLimiter(limit, burst)}
}

// Name implements Named.
func (r *RateLimitedClient) Name() string { return "ratelimited(" + nameOf(r.client) + ")" }

// Generate implements LLMClient.
func (r *RateLimitedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if !r.limiter.Allow() {
		return "", ErrRateLimited
	}
	return r.client.Generate(ctx, prompt, params)
}
