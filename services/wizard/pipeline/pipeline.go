// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline turns wizard answers into a letter body and the letter
// body into a PDF.
//
// # Description
//
// Stage 1 sends the answers to the text generation service. Stage 2 sends
// the effective letter body and both addresses to the PDF service. Each
// stage caches results by fingerprint, so revisiting a page never repeats
// a request for inputs that already produced a result.
//
// The effective letter body is the user's override when non-empty,
// otherwise the Stage 1 output for the current answers. Stage 2 only runs
// once Stage 1 has succeeded for the current answers fingerprint.
//
// Requests run in background goroutines. Callers poll views; nothing in
// this package blocks on the network except Wait and Close.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/TenantLetter/services/observability"
	"github.com/AleutianAI/TenantLetter/services/wizard/fingerprint"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrVerificationRequired means Stage 1 was requested without a
	// verification token. No request is sent.
	ErrVerificationRequired = errors.New("verification required")

	// ErrMalformedResponse means a service answered with a body that does
	// not match its contract.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrRejected means a service refused the request (4xx). Not retried.
	ErrRejected = errors.New("request rejected")
)

// Stage names a pipeline stage.
type Stage string

const (
	StageText     Stage = observability.StageText
	StageDocument Stage = observability.StageDocument
)

// StageError is the terminal failure of one stage for one fingerprint.
type StageError struct {
	Stage       Stage
	Fingerprint fingerprint.Fingerprint
	Attempts    int
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed for %s after %d attempt(s): %v",
		e.Stage, e.Fingerprint.Short(), e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Collaborators
// =============================================================================

// TextRequest is the body sent to the text generation service.
type TextRequest struct {
	Answers           map[string]string `json:"answers"`
	VerificationToken string            `json:"verificationToken"`
}

// DocumentRequest is the body sent to the PDF service.
type DocumentRequest struct {
	SenderName        string `json:"senderName"`
	SenderAddress     string `json:"senderAddress"`
	ReceiverName      string `json:"receiverName"`
	ReceiverAddress   string `json:"receiverAddress"`
	Body              string `json:"body"`
	VerificationToken string `json:"verificationToken,omitempty"`
}

// TextGenerator produces a letter body.
type TextGenerator interface {
	GenerateText(ctx context.Context, req TextRequest) (string, error)
}

// DocumentGenerator produces raw PDF bytes.
type DocumentGenerator interface {
	GenerateDocument(ctx context.Context, req DocumentRequest) ([]byte, error)
}

// =============================================================================
// Inputs and views
// =============================================================================

// LetterInput is a snapshot of the answers relevant to Stage 1.
type LetterInput struct {
	// Block is the ordered label/answer text. Its fingerprint is the
	// Stage 1 cache key.
	Block string

	// Answers is sent to the text service as-is.
	Answers map[string]string

	// VerificationToken is forwarded to the text service. Empty means the
	// user has not completed verification.
	VerificationToken string
}

// Party is one side of the letter.
type Party struct {
	Name string
	// Line is the single-line address: "street, city, ST zip".
	Line string
}

// DocumentInput carries the Stage 2 inputs other than the body.
type DocumentInput struct {
	Sender            Party
	Receiver          Party
	VerificationToken string
}

// Status is the state of a stage for the current inputs.
type Status int

const (
	// StatusIdle means nothing has been requested for the current inputs.
	StatusIdle Status = iota
	// StatusPending means a request is in flight.
	StatusPending
	// StatusReady means a result is available.
	StatusReady
	// StatusFailed means the last request failed after retries.
	StatusFailed
	// StatusNeedsVerification means Stage 1 is waiting for a token.
	StatusNeedsVerification
	// StatusBlocked means Stage 2 cannot run because Stage 1 failed.
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	case StatusNeedsVerification:
		return "needs-verification"
	case StatusBlocked:
		return "blocked"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LetterView is the Stage 1 state plus the effective body.
type LetterView struct {
	Status       Status
	Fingerprint  fingerprint.Fingerprint
	Generated    string
	Override     string
	Body         string
	StillWorking bool
	Err          error
}

// Edited reports whether the override is in effect.
func (v LetterView) Edited() bool {
	return v.Override != ""
}

// Document is a rendered PDF held in memory.
type Document struct {
	ID          string
	Fingerprint fingerprint.Fingerprint
	Filename    string
	Bytes       []byte
	CreatedAt   time.Time
}

// DocumentView is the Stage 2 state for the current effective body.
type DocumentView struct {
	Status           Status
	Fingerprint      fingerprint.Fingerprint
	Document         *Document
	WaitingForLetter bool
	StillWorking     bool
	Err              error
}

// Snapshot is the current generation identity.
type Snapshot struct {
	AnswersFingerprint  fingerprint.Fingerprint
	Body                string
	DocumentFingerprint fingerprint.Fingerprint
}

// =============================================================================
// Configuration
// =============================================================================

// RetryPolicy is exponential backoff with a fixed attempt count.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Config tunes request behaviour.
type Config struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration

	// SlowAfter is when a pending view starts reporting StillWorking.
	SlowAfter time.Duration

	Retry RetryPolicy

	// Filename is the download name for rendered documents.
	Filename string
}

// DefaultConfig returns a 60s per-attempt timeout, a still-working hint
// after 10s and three attempts starting at a 500ms backoff.
func DefaultConfig() Config {
	return Config{
		Timeout:   60 * time.Second,
		SlowAfter: 10 * time.Second,
		Retry: RetryPolicy{
			Attempts:  3,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  5 * time.Second,
		},
		Filename: "tenant-letter.pdf",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.SlowAfter <= 0 {
		c.SlowAfter = d.SlowAfter
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = d.Retry.Attempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = c.Retry.BaseDelay
	}
	if c.Filename == "" {
		c.Filename = d.Filename
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now, for StillWorking tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// =============================================================================
// Pipeline
// =============================================================================

type run struct {
	started time.Time
	done    bool
	err     error
}

// Pipeline is the two-stage generator for one wizard session.
type Pipeline struct {
	text    TextGenerator
	docs    DocumentGenerator
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	answersFP fingerprint.Fingerprint
	texts     map[fingerprint.Fingerprint]string
	textRuns  map[fingerprint.Fingerprint]*run
	override  string
	docInput  *DocumentInput
	documents map[fingerprint.Fingerprint]*Document
	docRuns   map[fingerprint.Fingerprint]*run
}

// New creates a pipeline.
//
// # Inputs
//
//   - text: Stage 1 collaborator. Must not be nil.
//   - docs: Stage 2 collaborator. Must not be nil.
//   - cfg: Timeouts and retry policy. Zero fields take DefaultConfig values.
//   - opts: Optional logger, metrics and clock.
//
// # Outputs
//
//   - *Pipeline: Ready for use. Call Close to stop in-flight requests.
func New(text TextGenerator, docs DocumentGenerator, cfg Config, opts ...Option) *Pipeline {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		text:      text,
		docs:      docs,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		tracer:    otel.Tracer("tenantletter/pipeline"),
		ctx:       ctx,
		cancel:    cancel,
		texts:     make(map[fingerprint.Fingerprint]string),
		textRuns:  make(map[fingerprint.Fingerprint]*run),
		documents: make(map[fingerprint.Fingerprint]*Document),
		docRuns:   make(map[fingerprint.Fingerprint]*run),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AnswersFingerprint returns the Stage 1 cache key for block.
func AnswersFingerprint(block string) fingerprint.Fingerprint {
	return fingerprint.Of(fingerprint.DomainAnswers, block)
}

// DocumentFingerprint returns the Stage 2 cache key.
//
// The key covers the body and both parties, so correcting an address after
// a PDF was rendered produces a fresh PDF.
func DocumentFingerprint(body string, in DocumentInput) fingerprint.Fingerprint {
	return fingerprint.Of(fingerprint.DomainDocument,
		body, in.Sender.Name, in.Sender.Line, in.Receiver.Name, in.Receiver.Line)
}

// EnsureLetter makes in the current Stage 1 input and starts a request if
// no result or in-flight request exists for its fingerprint.
//
// # Description
//
// A cache hit returns immediately with StatusReady. A previous failure for
// the same fingerprint is retried. Without a verification token no
// request is sent and the view reports StatusNeedsVerification.
//
// If a PDF has been requested, a Stage 1 success for the current
// fingerprint starts Stage 2 automatically.
//
// # Outputs
//
//   - LetterView: State after the call. Never blocks on the network.
func (p *Pipeline) EnsureLetter(in LetterInput) LetterView {
	fp := AnswersFingerprint(in.Block)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.answersFP = fp
	p.startTextLocked(fp, in)
	p.startDocumentLocked()
	return p.letterViewLocked()
}

// Track makes block the current Stage 1 input without starting a request.
//
// Views follow the new fingerprint at once, so a letter or PDF produced for
// earlier answers is no longer reported as ready. A later EnsureLetter with
// the same block starts the request.
func (p *Pipeline) Track(block string) {
	fp := AnswersFingerprint(block)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.answersFP = fp
}

// Letter returns the Stage 1 view without starting anything.
func (p *Pipeline) Letter() LetterView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.letterViewLocked()
}

// SetOverride replaces the user's edit of the letter body. An empty text
// clears the edit and the effective body reverts to the Stage 1 output.
//
// Stage 1 is not affected. If a PDF has been requested, a changed
// effective body starts a Stage 2 request for the new fingerprint.
func (p *Pipeline) SetOverride(text string) LetterView {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.override = text
	p.startDocumentLocked()
	return p.letterViewLocked()
}

// EnsureDocument records the Stage 2 inputs and starts a request if the
// letter is ready and no result or in-flight request exists for the
// resulting fingerprint. Previous failures are retried.
func (p *Pipeline) EnsureDocument(in DocumentInput) DocumentView {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docInput = &in
	p.startDocumentLocked()
	return p.documentViewLocked()
}

// Document returns the Stage 2 view without starting anything.
func (p *Pipeline) Document() DocumentView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.documentViewLocked()
}

// HasCompleted reports whether Stage 1 has succeeded at least once.
func (p *Pipeline) HasCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.texts) > 0
}

// Snapshot returns the current fingerprints and effective body.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		AnswersFingerprint: p.answersFP,
		Body:               p.effectiveLocked(),
	}
	if p.docInput != nil {
		s.DocumentFingerprint = DocumentFingerprint(s.Body, *p.docInput)
	}
	return s
}

// Wait blocks until every in-flight request has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels in-flight requests and waits for them to return. Later
// Ensure calls start nothing.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// =============================================================================
// Stage 1
// =============================================================================

func (p *Pipeline) startTextLocked(fp fingerprint.Fingerprint, in LetterInput) {
	if _, ok := p.texts[fp]; ok {
		p.metrics.RecordCache(observability.StageText, true)
		return
	}
	if r := p.textRuns[fp]; r != nil && !r.done {
		return
	}
	if p.ctx.Err() != nil {
		return
	}
	p.metrics.RecordCache(observability.StageText, false)

	if in.VerificationToken == "" {
		p.textRuns[fp] = &run{
			started: p.now(),
			done:    true,
			err:     &StageError{Stage: StageText, Fingerprint: fp, Err: ErrVerificationRequired},
		}
		p.metrics.RecordStage(observability.StageText, observability.OutcomeVerificationRequired, 0)
		return
	}

	answers := make(map[string]string, len(in.Answers))
	for k, v := range in.Answers {
		answers[k] = v
	}
	r := &run{started: p.now()}
	p.textRuns[fp] = r
	p.wg.Add(1)
	go p.runText(fp, r, TextRequest{Answers: answers, VerificationToken: in.VerificationToken})
}

func (p *Pipeline) runText(fp fingerprint.Fingerprint, r *run, req TextRequest) {
	defer p.wg.Done()
	ctx, span := p.tracer.Start(p.ctx, "pipeline.GenerateText",
		trace.WithAttributes(attribute.String("fingerprint", fp.Short())))
	defer span.End()

	var text string
	attempts, err := p.retry(ctx, StageText, func(ctx context.Context) error {
		var err error
		text, err = p.text.GenerateText(ctx, req)
		return err
	})
	elapsed := time.Since(r.started).Seconds()

	p.mu.Lock()
	defer p.mu.Unlock()
	r.done = true
	if err != nil {
		r.err = &StageError{Stage: StageText, Fingerprint: fp, Attempts: attempts, Err: err}
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordStage(observability.StageText, observability.OutcomeError, elapsed)
		p.logger.Warn("letter generation failed",
			slog.String("fingerprint", fp.Short()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		return
	}

	p.texts[fp] = text
	p.metrics.RecordStage(observability.StageText, observability.OutcomeSuccess, elapsed)
	if fp != p.answersFP {
		p.logger.Debug("letter arrived for superseded answers",
			slog.String("fingerprint", fp.Short()),
			slog.String("current", p.answersFP.Short()))
		return
	}
	p.startDocumentLocked()
}

func (p *Pipeline) effectiveLocked() string {
	if p.override != "" {
		return p.override
	}
	return p.texts[p.answersFP]
}

func (p *Pipeline) letterViewLocked() LetterView {
	v := LetterView{Fingerprint: p.answersFP, Override: p.override}
	if p.answersFP.IsZero() {
		v.Body = p.override
		return v
	}
	if text, ok := p.texts[p.answersFP]; ok {
		v.Status = StatusReady
		v.Generated = text
	} else if r := p.textRuns[p.answersFP]; r != nil {
		v.Status, v.StillWorking, v.Err = p.runStatus(r)
		if errors.Is(r.err, ErrVerificationRequired) {
			v.Status = StatusNeedsVerification
		}
	}
	v.Body = p.effectiveLocked()
	return v
}

func (p *Pipeline) runStatus(r *run) (Status, bool, error) {
	switch {
	case !r.done:
		return StatusPending, p.now().Sub(r.started) >= p.cfg.SlowAfter, nil
	case r.err != nil:
		return StatusFailed, false, r.err
	default:
		return StatusReady, false, nil
	}
}

// =============================================================================
// Stage 2
// =============================================================================

func (p *Pipeline) startDocumentLocked() {
	if p.docInput == nil || p.ctx.Err() != nil {
		return
	}
	if _, ok := p.texts[p.answersFP]; !ok {
		return
	}
	body := p.effectiveLocked()
	key := DocumentFingerprint(body, *p.docInput)
	if _, ok := p.documents[key]; ok {
		p.metrics.RecordCache(observability.StageDocument, true)
		return
	}
	if r := p.docRuns[key]; r != nil && !r.done {
		return
	}
	p.metrics.RecordCache(observability.StageDocument, false)

	in := *p.docInput
	req := DocumentRequest{
		SenderName:        in.Sender.Name,
		SenderAddress:     in.Sender.Line,
		ReceiverName:      in.Receiver.Name,
		ReceiverAddress:   in.Receiver.Line,
		Body:              body,
		VerificationToken: in.VerificationToken,
	}
	r := &run{started: p.now()}
	p.docRuns[key] = r
	p.wg.Add(1)
	go p.runDocument(key, r, req)
}

func (p *Pipeline) runDocument(key fingerprint.Fingerprint, r *run, req DocumentRequest) {
	defer p.wg.Done()
	ctx, span := p.tracer.Start(p.ctx, "pipeline.GenerateDocument",
		trace.WithAttributes(attribute.String("fingerprint", key.Short())))
	defer span.End()

	var pdf []byte
	attempts, err := p.retry(ctx, StageDocument, func(ctx context.Context) error {
		var err error
		pdf, err = p.docs.GenerateDocument(ctx, req)
		return err
	})
	elapsed := time.Since(r.started).Seconds()

	p.mu.Lock()
	defer p.mu.Unlock()
	r.done = true
	if err != nil {
		r.err = &StageError{Stage: StageDocument, Fingerprint: key, Attempts: attempts, Err: err}
		span.SetStatus(codes.Error, err.Error())
		p.metrics.RecordStage(observability.StageDocument, observability.OutcomeError, elapsed)
		p.logger.Warn("document generation failed",
			slog.String("fingerprint", key.Short()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		return
	}
	p.documents[key] = &Document{
		ID:          key.Short(),
		Fingerprint: key,
		Filename:    p.cfg.Filename,
		Bytes:       pdf,
		CreatedAt:   p.now(),
	}
	p.metrics.RecordStage(observability.StageDocument, observability.OutcomeSuccess, elapsed)
}

func (p *Pipeline) documentViewLocked() DocumentView {
	if p.docInput == nil {
		return DocumentView{}
	}
	letter := p.letterViewLocked()
	switch letter.Status {
	case StatusReady:
	case StatusFailed, StatusNeedsVerification:
		return DocumentView{Status: StatusBlocked, Err: letter.Err}
	default:
		return DocumentView{Status: StatusPending, WaitingForLetter: true, StillWorking: letter.StillWorking}
	}

	key := DocumentFingerprint(letter.Body, *p.docInput)
	v := DocumentView{Fingerprint: key}
	if doc, ok := p.documents[key]; ok {
		v.Status = StatusReady
		v.Document = doc
		return v
	}
	if r := p.docRuns[key]; r != nil {
		v.Status, v.StillWorking, v.Err = p.runStatus(r)
	}
	return v
}
