// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// retry runs fn until it succeeds, the policy is exhausted, the error is
// not retryable, or ctx ends. Each attempt gets its own timeout.
func (p *Pipeline) retry(ctx context.Context, stage Stage, fn func(ctx context.Context) error) (int, error) {
	delay := p.cfg.Retry.BaseDelay
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err := fn(actx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.cfg.Retry.Attempts || !retryable(err) || ctx.Err() != nil {
			return attempt, err
		}

		p.logger.Info("generation attempt failed, retrying",
			slog.String("stage", string(stage)),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > p.cfg.Retry.MaxDelay {
			delay = p.cfg.Retry.MaxDelay
		}
	}
}

func retryable(err error) bool {
	return !errors.Is(err, ErrRejected) && !errors.Is(err, ErrVerificationRequired)
}
