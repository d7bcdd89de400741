// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session is the wizard container: one Session per browser, owning
// the answers, the terms acceptance, the navigation machine, the store
// namespace and the generation pipeline.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/TenantLetter/pkg/config"
	"github.com/AleutianAI/TenantLetter/services/observability"
	"github.com/AleutianAI/TenantLetter/services/wizard/answers"
	"github.com/AleutianAI/TenantLetter/services/wizard/fingerprint"
	"github.com/AleutianAI/TenantLetter/services/wizard/mail"
	"github.com/AleutianAI/TenantLetter/services/wizard/nav"
	"github.com/AleutianAI/TenantLetter/services/wizard/pipeline"
	"github.com/AleutianAI/TenantLetter/services/wizard/store"
	"github.com/AleutianAI/TenantLetter/services/wizard/verify"
)

var (
	// ErrDocumentNotReady means the PDF has not been rendered for the
	// current letter and addresses.
	ErrDocumentNotReady = errors.New("session: document not ready")
	// ErrMailDisabled means no mailer is configured.
	ErrMailDisabled = errors.New("session: certified mail is disabled")
)

// Mailer prepares the certified mail hand-off for a rendered letter.
// *mail.Partner satisfies it.
type Mailer interface {
	Prepare(l mail.Letter) (mail.Handoff, error)
}

var _ Mailer = (*mail.Partner)(nil)

// Deps are the collaborators shared by every session.
type Deps struct {
	Questions config.Provider
	Backend   store.Backend
	Text      pipeline.TextGenerator
	Docs      pipeline.DocumentGenerator
	Pipeline  pipeline.Config
	Mailer    Mailer // nil disables mail
	Duplex    bool
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Result is the outcome of Navigate.
type Result struct {
	// Redirect is non-empty when the caller must go elsewhere instead of
	// rendering Page.
	Redirect  string
	Page      nav.PageID
	Direction nav.Direction
}

// Session is one user's wizard.
//
// # Description
//
// Every mutation is persisted immediately to the session's store namespace;
// store failures are logged and the in-memory state stays authoritative.
// The pipeline is rebuilt on Reset so that nothing derived from the
// previous answers survives.
//
// # Thread Safety
//
// All methods are safe for concurrent use and are serialised by the
// session mutex, so concurrent requests from the same browser apply in
// arrival order.
type Session struct {
	id     string
	deps   *Deps
	store  *store.Store
	logger *slog.Logger

	mu       sync.Mutex
	qs       *config.QuestionSet
	record   answers.Record
	terms    answers.TermsAcceptance
	machine  *nav.Machine
	pipe     *pipeline.Pipeline
	resume   string
	mailed   time.Time
	lastSeen time.Time
	closed   bool
}

// New creates a session and hydrates it from the store namespace for id.
func New(id string, deps *Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", shortID(id))

	s := &Session{
		id:     id,
		deps:   deps,
		logger: logger,
		store: store.New(deps.Backend, "session/"+id+"/",
			store.WithLogger(logger),
			store.WithErrorHook(deps.Metrics.RecordStoreError)),
		lastSeen: time.Now(),
	}
	s.qs = deps.Questions.Questions()
	s.machine = nav.NewMachine(nav.NewGraph(len(s.qs.Pages)))
	s.pipe = s.newPipeline()
	s.hydrate()
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Session) newPipeline() *pipeline.Pipeline {
	return pipeline.New(s.deps.Text, s.deps.Docs, s.deps.Pipeline,
		pipeline.WithLogger(s.logger),
		pipeline.WithMetrics(s.deps.Metrics))
}

func (s *Session) hydrate() {
	flat := store.Load[map[string]string](s.store, store.KeyFormData, nil)
	s.record = answers.FromFlat(s.qs.Keys(), flat)
	s.resume = store.Load(s.store, store.KeyPageState, "/")
	fp := store.Load(s.store, store.KeyTosAccepted, "")
	s.terms = answers.TermsAcceptance{Fingerprint: fingerprint.Fingerprint(fp)}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// LastSeen returns the time of the last call that touched the session.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// lock acquires the mutex, refreshes the question set and touches
// the session. Callers must defer s.mu.Unlock.
func (s *Session) lock() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.syncQuestionsLocked()
	s.trackAnswersLocked()
}

// trackAnswersLocked points the pipeline at the current answers so that
// views never report output generated for earlier ones.
func (s *Session) trackAnswersLocked() {
	s.pipe.Track(s.qs.AnswerBlock(s.record.Answers))
}

// syncQuestionsLocked adopts a reloaded question set: the page graph is
// rebuilt and answers are re-keyed. A terms edit invalidates acceptance
// through TermsAcceptance.Valid without any bookkeeping here.
func (s *Session) syncQuestionsLocked() {
	qs := s.deps.Questions.Questions()
	if qs == s.qs {
		return
	}
	s.qs = qs
	s.machine.SetGraph(nav.NewGraph(len(qs.Pages)))
	token := s.record.VerificationToken
	s.record = answers.FromFlat(qs.Keys(), s.record.Flat())
	s.record.VerificationToken = token
}

// =============================================================================
// Navigation
// =============================================================================

// Navigate evaluates a location change.
//
// # Description
//
// A location carrying reset=true resets the session and redirects to the
// introduction, so the parameter is consumed exactly once. Otherwise the
// terms guard runs, the submitted page is held back until a letter has been
// generated, and the page is recorded and persisted. Entering the edit page
// starts letter generation; entering the submitted page starts PDF
// generation.
func (s *Session) Navigate(location string) Result {
	s.lock()
	defer s.mu.Unlock()

	graph := s.machine.Graph()
	stripped, reset := nav.ConsumeReset(location)
	if reset {
		s.resetLocked()
		return Result{Redirect: graph.Location(nav.Intro)}
	}

	decision := graph.Guard(stripped, s.termsValidLocked())
	if !decision.Allow {
		s.deps.Metrics.RecordGuardRedirect()
		return Result{Redirect: decision.Redirect}
	}

	page := graph.Resolve(stripped)
	if page == nav.Submitted {
		if !s.pipe.HasCompleted() {
			return Result{Redirect: graph.Location(nav.Edit)}
		}
		if len(s.addressErrorsLocked()) > 0 {
			return Result{Redirect: graph.Location(nav.Addresses)}
		}
	}

	dir := s.machine.Visit(page)
	loc := graph.Location(page)
	s.resume = loc
	s.store.Save(store.KeyPageState, loc)

	switch page {
	case nav.Edit:
		s.ensureLetterLocked()
	case nav.Submitted:
		s.ensureDocumentLocked()
	}
	return Result{Page: page, Direction: dir}
}

// State returns the navigation state.
func (s *Session) State() nav.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// Graph returns the current page graph.
func (s *Session) Graph() nav.Graph {
	s.lock()
	defer s.mu.Unlock()
	return s.machine.Graph()
}

// Questions returns the question set the session is using.
func (s *Session) Questions() *config.QuestionSet {
	s.lock()
	defer s.mu.Unlock()
	return s.qs
}

// Resume returns the persisted location to continue from, when it is past
// the introduction and currently reachable.
func (s *Session) Resume() (string, bool) {
	s.lock()
	defer s.mu.Unlock()
	graph := s.machine.Graph()
	page := graph.Resolve(s.resume)
	if page == nav.Intro || page == nav.Terms {
		return "", false
	}
	if !graph.Guard(s.resume, s.termsValidLocked()).Allow {
		return "", false
	}
	if page == nav.Submitted && !s.pipe.HasCompleted() {
		page = nav.Edit
	}
	return graph.Location(page), true
}

// =============================================================================
// Answers and terms
// =============================================================================

// Answers returns a copy of the record.
func (s *Session) Answers() answers.Record {
	s.lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// SetAnswer stores one field and persists the form data. It reports false
// for keys outside the question set and address fields.
func (s *Session) SetAnswer(key, value string) bool {
	s.lock()
	defer s.mu.Unlock()
	if !s.record.Set(key, value) {
		return false
	}
	s.saveFormLocked()
	return true
}

// SetAnswers stores several fields with a single save. Unknown keys are
// ignored.
func (s *Session) SetAnswers(values map[string]string) {
	s.lock()
	defer s.mu.Unlock()
	changed := false
	for k, v := range values {
		if s.record.Set(k, v) {
			changed = true
		}
	}
	if changed {
		s.saveFormLocked()
	}
}

func (s *Session) saveFormLocked() {
	s.store.Save(store.KeyFormData, s.record.Flat())
	s.trackAnswersLocked()
}

// SetVerification records the widget outcome. Only a verified event yields
// a token; anything else clears it.
func (s *Session) SetVerification(ev verify.Event) bool {
	s.lock()
	defer s.mu.Unlock()
	token, ok := verify.Token(ev)
	s.record.VerificationToken = token
	return ok
}

// Verified reports whether a verification token is held.
func (s *Session) Verified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.VerificationToken != ""
}

// AcceptTerms accepts the current terms text and persists the acceptance.
func (s *Session) AcceptTerms() {
	s.lock()
	defer s.mu.Unlock()
	s.terms = answers.Accept(s.qs.Terms)
	s.store.Save(store.KeyTosAccepted, s.terms.Fingerprint.String())
	s.logger.Info("terms accepted", "terms", s.terms.Fingerprint.Short())
}

// TermsAccepted reports whether the acceptance covers the current terms.
func (s *Session) TermsAccepted() bool {
	s.lock()
	defer s.mu.Unlock()
	return s.termsValidLocked()
}

func (s *Session) termsValidLocked() bool {
	return s.terms.Valid(s.qs.Terms)
}

// =============================================================================
// Generation
// =============================================================================

// GenerateLetter submits the current answers to Stage 1 and returns the
// letter view. It is a cache hit when the answers are unchanged.
func (s *Session) GenerateLetter() pipeline.LetterView {
	s.lock()
	defer s.mu.Unlock()
	return s.ensureLetterLocked()
}

func (s *Session) ensureLetterLocked() pipeline.LetterView {
	return s.pipe.EnsureLetter(pipeline.LetterInput{
		Block:             s.qs.AnswerBlock(s.record.Answers),
		Answers:           s.record.Answers,
		VerificationToken: s.record.VerificationToken,
	})
}

// Letter returns the letter view without starting anything.
func (s *Session) Letter() pipeline.LetterView {
	s.lock()
	defer s.mu.Unlock()
	return s.pipe.Letter()
}

// SetLetterOverride records the user's edit of the letter body. Text equal
// to the generated letter, or blank, clears the edit.
func (s *Session) SetLetterOverride(text string) pipeline.LetterView {
	s.lock()
	defer s.mu.Unlock()
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" || text == s.pipe.Letter().Generated {
		text = ""
	}
	return s.pipe.SetOverride(text)
}

// GenerateDocument validates both addresses and, when they are valid,
// submits the effective letter to Stage 2. Field errors are returned keyed
// by form field name.
func (s *Session) GenerateDocument() (pipeline.DocumentView, []answers.FieldError) {
	s.lock()
	defer s.mu.Unlock()
	if errs := s.addressErrorsLocked(); len(errs) > 0 {
		return s.pipe.Document(), errs
	}
	return s.ensureDocumentLocked(), nil
}

func (s *Session) addressErrorsLocked() []answers.FieldError {
	return append(s.record.Sender.Validate(answers.Sender),
		s.record.Destination.Validate(answers.Destination)...)
}

// ensureDocumentLocked submits the current answers to Stage 1 before
// Stage 2, so a PDF is only rendered from the letter for those answers.
func (s *Session) ensureDocumentLocked() pipeline.DocumentView {
	s.ensureLetterLocked()
	return s.pipe.EnsureDocument(pipeline.DocumentInput{
		Sender:            party(s.record.Sender),
		Receiver:          party(s.record.Destination),
		VerificationToken: s.record.VerificationToken,
	})
}

func party(a answers.Address) pipeline.Party {
	return pipeline.Party{Name: a.Name, Line: a.Line()}
}

// Document returns the PDF view without starting anything.
func (s *Session) Document() pipeline.DocumentView {
	s.lock()
	defer s.mu.Unlock()
	return s.pipe.Document()
}

// HasCompleted reports whether a letter has been generated at least once.
func (s *Session) HasCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe.HasCompleted()
}

// Snapshot returns the current generation identity.
func (s *Session) Snapshot() pipeline.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe.Snapshot()
}

// =============================================================================
// Mail
// =============================================================================

// MailLetter prepares the certified mail hand-off for the current PDF.
//
// # Description
//
// The returned hand-off is posted by the user's browser; nothing is sent
// from here. The session remembers that a hand-off was prepared.
//
// # Inputs
//
//   - confirmed: The user acknowledged that the letter and both addresses
//     go to the mail provider.
//
// # Outputs
//
//   - mail.Handoff: The partner form, ready for the browser.
//   - error: ErrMailDisabled, ErrDocumentNotReady, or a mail validation
//     error such as mail.ErrNotConfirmed.
func (s *Session) MailLetter(confirmed bool) (mail.Handoff, error) {
	s.lock()
	defer s.mu.Unlock()
	if s.deps.Mailer == nil {
		return mail.Handoff{}, ErrMailDisabled
	}
	view := s.pipe.Document()
	if view.Status != pipeline.StatusReady || view.Document == nil {
		return mail.Handoff{}, ErrDocumentNotReady
	}
	h, err := s.deps.Mailer.Prepare(mail.Letter{
		PDF:         view.Document.Bytes,
		Filename:    view.Document.Filename,
		Name:        letterName(s.qs, s.record.Sender),
		Duplex:      s.deps.Duplex,
		Sender:      s.record.Sender,
		Destination: s.record.Destination,
		Confirmed:   confirmed,
	})
	if err != nil {
		return mail.Handoff{}, fmt.Errorf("mail letter: %w", err)
	}
	s.mailed = h.PreparedAt
	if s.mailed.IsZero() {
		s.mailed = time.Now()
	}
	return h, nil
}

// Mailed returns when the last hand-off was prepared, if any.
func (s *Session) Mailed() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailed, !s.mailed.IsZero()
}

func letterName(qs *config.QuestionSet, sender answers.Address) string {
	name := qs.Name
	if name == "" {
		name = "Tenant Letter"
	}
	if sender.Name != "" {
		name += " - " + sender.Name
	}
	return name
}

// =============================================================================
// Lifecycle
// =============================================================================

// Reset discards everything: answers, terms acceptance, navigation state,
// the store namespace and all generated content.
func (s *Session) Reset() {
	s.lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.record = answers.NewRecord(s.qs.Keys())
	s.terms = answers.TermsAcceptance{}
	s.machine.Reset()
	s.store.Clear()
	s.resume = "/"
	s.mailed = time.Time{}
	s.pipe.Close()
	if !s.closed {
		s.pipe = s.newPipeline()
	}
	s.logger.Info("session reset")
}

// Wait blocks until in-flight generation has finished.
func (s *Session) Wait() {
	s.mu.Lock()
	p := s.pipe
	s.mu.Unlock()
	p.Wait()
}

// Close stops in-flight generation. Persisted state is kept so that a
// returning browser is rehydrated.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	p := s.pipe
	s.mu.Unlock()
	p.Close()
}
