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
	"time"
)

// MockClient echoes the prompt between markers after a delay. It lets the
// whole wizard run without a model.
type MockClient struct {
	Delay time.Duration
	Err   error
}

var _ LLMClient = (*MockClient)(nil)

// Name implements Named.
func (m *MockClient) Name() string { return "mock" }

// Generate waits for Delay or ctx, then returns the prompt wrapped in
// markers, or Err when set.
func (m *MockClient) Generate(ctx context.Context, prompt string, _ GenerationParams) (string, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if m.Err != nil {
		return "", m.Err
	}
	return "MOCKED LETTER\n\n" + prompt + "\n\nMOCKED LETTER", nil
}
