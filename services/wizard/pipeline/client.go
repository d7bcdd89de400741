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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes caps service responses. Rendered letters are a few
// hundred kilobytes; base64 adds a third.
const maxResponseBytes = 16 << 20

// HTTPClient talks to the text and PDF generation services.
//
// Both services answer {"status": "success", "content": "..."}. For the PDF
// service content is base64; the decoded bytes must parse as a PDF.
type HTTPClient struct {
	http        *http.Client
	textURL     string
	documentURL string
	validate    func([]byte) error
}

var (
	_ TextGenerator     = (*HTTPClient)(nil)
	_ DocumentGenerator = (*HTTPClient)(nil)
)

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// WithPDFValidator replaces the PDF check applied to decoded documents.
func WithPDFValidator(fn func([]byte) error) ClientOption {
	return func(h *HTTPClient) {
		if fn != nil {
			h.validate = fn
		}
	}
}

// NewHTTPClient returns a client for the given endpoints.
func NewHTTPClient(textURL, documentURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		http: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		textURL:     textURL,
		documentURL: documentURL,
		validate:    ValidatePDF,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateText posts req to the text service and returns the letter body.
func (c *HTTPClient) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	body, err := c.post(ctx, c.textURL, req)
	if err != nil {
		return "", err
	}
	return content(body)
}

// GenerateDocument posts req to the PDF service and returns the decoded,
// validated PDF bytes.
func (c *HTTPClient) GenerateDocument(ctx context.Context, req DocumentRequest) ([]byte, error) {
	body, err := c.post(ctx, c.documentURL, req)
	if err != nil {
		return nil, err
	}
	encoded, err := content(body)
	if err != nil {
		return nil, err
	}
	pdf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: content is not base64: %v", ErrMalformedResponse, err)
	}
	if err := c.validate(pdf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return pdf, nil
}

func (c *HTTPClient) post(ctx context.Context, url string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("service returned %d: %s", resp.StatusCode, errorMessage(body))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: service returned %d: %s", ErrRejected, resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

// content extracts the content field of a success envelope.
func content(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: body is not JSON", ErrMalformedResponse)
	}
	status := gjson.GetBytes(body, "status")
	if status.String() != "success" {
		return "", fmt.Errorf("%w: status %q: %s", ErrMalformedResponse, status.String(), errorMessage(body))
	}
	c := gjson.GetBytes(body, "content")
	if c.Type != gjson.String {
		return "", fmt.Errorf("%w: content is not a string", ErrMalformedResponse)
	}
	return c.String(), nil
}

func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "error"); m.Exists() {
			return m.String()
		}
		if m := gjson.GetBytes(body, "message"); m.Exists() {
			return m.String()
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

// ValidatePDF checks that b parses as a PDF with at least one page.
func ValidatePDF(b []byte) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(b), conf)
	if err != nil {
		return fmt.Errorf("invalid pdf: %w", err)
	}
	if ctx.PageCount < 1 {
		return fmt.Errorf("invalid pdf: no pages")
	}
	return nil
}
