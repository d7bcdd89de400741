// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mail hands a finished letter to the certified mail partner.
//
// The partner only accepts a browser form post carrying the PDF as a file
// field and both addresses as plain fields. Its response is the checkout
// page where the user reviews, pays and sends, so the post must come from
// the user's browser in a new tab. This package prepares that post as a
// Handoff and renders it as a self-contained page; nothing is sent from
// the server.
package mail

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/AleutianAI/TenantLetter/services/observability"
	"github.com/AleutianAI/TenantLetter/services/wizard/answers"
)

// DefaultEndpoint is the partner's upload form.
const DefaultEndpoint = "https://www.onlinecertifiedmail.com/step2.php"

// FileField is the form field carrying the PDF.
const FileField = "jobfile"

var (
	// ErrNoDocument means the letter has no PDF bytes.
	ErrNoDocument = errors.New("mail: letter has no document")
	// ErrNotConfirmed means a hand-off was requested without user
	// confirmation.
	ErrNotConfirmed = errors.New("mail: hand-off not confirmed by user")
)

//go:embed handoff.html
var handoffHTML string

var handoffPage = template.Must(template.New("handoff").Parse(handoffHTML))

// Letter is everything the partner needs.
type Letter struct {
	PDF         []byte
	Filename    string
	Name        string
	Duplex      bool
	Sender      answers.Address
	Destination answers.Address

	// Confirmed must be set once the user has acknowledged that the
	// letter and both addresses leave this service.
	Confirmed bool
}

// Field is one plain form field.
type Field struct {
	Name  string
	Value string
}

// Fields returns the plain form fields for l in submission order. The
// partner's form carries the file right after the first two.
func Fields(l Letter) []Field {
	duplex := "No"
	if l.Duplex {
		duplex = "Yes"
	}
	return []Field{
		{"activeoption", "upload"},
		{"jobname", l.Name},
		{"duplex", duplex},
		{"sendername1", l.Sender.Name},
		{"sendername2", l.Sender.Company},
		{"senderaddress1", l.Sender.Street},
		{"sendercity", l.Sender.City},
		{"senderstate", l.Sender.State},
		{"senderzip", l.Sender.Zip},
		{"destname1", l.Destination.Name},
		{"destname2", l.Destination.Company},
		{"destaddress1", l.Destination.Street},
		{"destcity", l.Destination.City},
		{"deststate", l.Destination.State},
		{"destzip", l.Destination.Zip},
	}
}

// fileAfter is the number of plain fields posted before the file.
const fileAfter = 2

// Handoff is a partner submission ready to be posted by a browser.
type Handoff struct {
	Endpoint   string
	Name       string
	Filename   string
	Fields     []Field
	PDF        []byte
	PreparedAt time.Time
}

// Before returns the fields posted ahead of the file.
func (h Handoff) Before() []Field {
	if len(h.Fields) < fileAfter {
		return h.Fields
	}
	return h.Fields[:fileAfter]
}

// After returns the fields posted after the file.
func (h Handoff) After() []Field {
	if len(h.Fields) < fileAfter {
		return nil
	}
	return h.Fields[fileAfter:]
}

// WriteHTML renders h as a standalone page.
//
// # Description
//
// The page holds a multipart form targeting a new tab at the partner. A
// small script attaches the embedded PDF to the file field and enables the
// submit button, so the post happens on the user's click. If the browser
// cannot attach files from script, the file field is shown for a manual
// pick.
//
// The page needs no server, so it can be served over HTTP or saved to disk
// and opened locally.
func (h Handoff) WriteHTML(w io.Writer) error {
	data := struct {
		Handoff
		FileField string
		Encoded   string
	}{
		Handoff:   h,
		FileField: FileField,
		Encoded:   base64.StdEncoding.EncodeToString(h.PDF),
	}
	var buf bytes.Buffer
	if err := handoffPage.Execute(&buf, data); err != nil {
		return fmt.Errorf("render hand-off page: %w", err)
	}
	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("write hand-off page: %w", err)
	}
	return nil
}

// Partner prepares hand-offs to one partner endpoint.
type Partner struct {
	endpoint string
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures a Partner.
type Option func(*Partner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Partner) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Partner) { p.metrics = m }
}

// NewPartner returns a Partner for endpoint. An empty endpoint uses
// DefaultEndpoint.
func NewPartner(endpoint string, opts ...Option) (*Partner, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("mail: invalid partner endpoint %q", endpoint)
	}
	p := &Partner{
		endpoint: endpoint,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Endpoint returns the partner URL.
func (p *Partner) Endpoint() string {
	return p.endpoint
}

// Prepare validates l and returns the hand-off for the user's browser.
//
// # Inputs
//
//   - l: The letter. Confirmed must be true and PDF non-empty.
//
// # Outputs
//
//   - Handoff: The form to post. Nothing has been sent yet.
//   - error: ErrNotConfirmed or ErrNoDocument.
func (p *Partner) Prepare(l Letter) (Handoff, error) {
	if !l.Confirmed {
		p.metrics.RecordMail(false)
		return Handoff{}, ErrNotConfirmed
	}
	if len(l.PDF) == 0 {
		p.metrics.RecordMail(false)
		return Handoff{}, ErrNoDocument
	}
	filename := l.Filename
	if filename == "" {
		filename = "letter.pdf"
	}
	h := Handoff{
		Endpoint:   p.endpoint,
		Name:       l.Name,
		Filename:   filename,
		Fields:     Fields(l),
		PDF:        l.PDF,
		PreparedAt: p.now(),
	}
	p.metrics.RecordMail(true)
	p.logger.Info("Certified mail hand-off prepared",
		slog.String("endpoint", p.endpoint),
		slog.Int("bytes", len(l.PDF)))
	return h, nil
}
