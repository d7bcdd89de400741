// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package letterapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Stats are the usage counters exposed at /api/stats.
type Stats struct {
	InferencesRun int64 `json:"inferences_run"`
	PDFsGenerated int64 `json:"pdfs_generated"`
}

// Analytics counts successful generations since startup.
type Analytics struct {
	inferences atomic.Int64
	pdfs       atomic.Int64
}

func (a *Analytics) IncrementInferences() { a.inferences.Add(1) }

func (a *Analytics) IncrementPDFs() { a.pdfs.Add(1) }

// Snapshot returns the current counts.
func (a *Analytics) Snapshot() Stats {
	return Stats{
		InferencesRun: a.inferences.Load(),
		PDFsGenerated: a.pdfs.Load(),
	}
}

// =============================================================================
// Webhook report
// =============================================================================

// Reporter posts the counters to a chat webhook as an adaptive card.
type Reporter struct {
	url    string
	stats  *Analytics
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewReporter returns a Reporter for url. A nil client uses a 10s timeout
// client; a nil logger uses slog.Default.
func NewReporter(url string, stats *Analytics, client *http.Client, logger *slog.Logger) *Reporter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{url: url, stats: stats, client: client, logger: logger, now: time.Now}
}

type card struct {
	Type        string           `json:"type"`
	Attachments []cardAttachment `json:"attachments"`
}

type cardAttachment struct {
	ContentType string      `json:"contentType"`
	Content     cardContent `json:"content"`
}

type cardContent struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Body    []any  `json:"body"`
}

type cardText struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Size   string `json:"size,omitempty"`
	Weight string `json:"weight,omitempty"`
	Wrap   bool   `json:"wrap,omitempty"`
}

type cardFacts struct {
	Type  string     `json:"type"`
	Facts []cardFact `json:"facts"`
}

type cardFact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

func (r *Reporter) card(s Stats) card {
	return card{
		Type: "message",
		Attachments: []cardAttachment{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content: cardContent{
				Type:    "AdaptiveCard",
				Version: "1.4",
				Body: []any{
					cardText{Type: "TextBlock", Text: "Tenant letter usage", Size: "Large", Weight: "Bolder", Wrap: true},
					cardText{Type: "TextBlock", Text: "Report generated at " + r.now().Format("2006-01-02 15:04:05 MST"), Wrap: true},
					cardFacts{Type: "FactSet", Facts: []cardFact{
						{Title: "Inferences Run", Value: strconv.FormatInt(s.InferencesRun, 10)},
						{Title: "PDFs Generated", Value: strconv.FormatInt(s.PDFsGenerated, 10)},
					}},
				},
			},
		}},
	}
}

// Send posts the current counters once.
func (r *Reporter) Send(ctx context.Context) error {
	payload, err := json.Marshal(r.card(r.stats.Snapshot()))
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send report: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Job returns a func suitable for a cron schedule. Failures are logged.
func (r *Reporter) Job(ctx context.Context) func() {
	return func() {
		if err := r.Send(ctx); err != nil {
			r.logger.Error("usage report failed", "error", err)
			return
		}
		r.logger.Info("usage report sent")
	}
}
