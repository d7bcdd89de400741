// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TenantLetter/pkg/config"
	"github.com/AleutianAI/TenantLetter/services/wizard/answers"
	"github.com/AleutianAI/TenantLetter/services/wizard/mail"
	"github.com/AleutianAI/TenantLetter/services/wizard/nav"
	"github.com/AleutianAI/TenantLetter/services/wizard/pipeline"
	"github.com/AleutianAI/TenantLetter/services/wizard/store"
	"github.com/AleutianAI/TenantLetter/services/wizard/verify"
)

// =============================================================================
// Fakes
// =============================================================================

type swapProvider struct {
	mu sync.Mutex
	qs *config.QuestionSet
}

func (p *swapProvider) Questions() *config.QuestionSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.qs
}

func (p *swapProvider) set(qs *config.QuestionSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.qs = qs
}

type fakeText struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (f *fakeText) GenerateText(_ context.Context, req pipeline.TextRequest) (string, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return "", errors.New("model unavailable")
	}
	return "Dear landlord,\n" + req.Answers["issue1"], nil
}

type fakeDocs struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  pipeline.DocumentRequest
}

func (f *fakeDocs) GenerateDocument(_ context.Context, req pipeline.DocumentRequest) ([]byte, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return []byte("%PDF-1.7 " + req.Body), nil
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}
func (failingBackend) Set(context.Context, string, []byte) error {
	return errors.New("disk on fire")
}
func (failingBackend) DeletePrefix(context.Context, string) error {
	return errors.New("disk on fire")
}

type harness struct {
	provider *swapProvider
	backend  store.Backend
	text     *fakeText
	docs     *fakeDocs
	deps     *Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		provider: &swapProvider{qs: config.DefaultQuestions()},
		backend:  store.NewMemory(),
		text:     &fakeText{},
		docs:     &fakeDocs{},
	}
	h.deps = &Deps{
		Questions: h.provider,
		Backend:   h.backend,
		Text:      h.text,
		Docs:      h.docs,
		Pipeline: pipeline.Config{
			Timeout:   time.Second,
			SlowAfter: 500 * time.Millisecond,
			Retry:     pipeline.RetryPolicy{Attempts: 1},
		},
	}
	return h
}

func (h *harness) session(t *testing.T, id string) *Session {
	t.Helper()
	s := New(id, h.deps)
	t.Cleanup(s.Close)
	return s
}

const testID = "2f1c7a3e-7d5b-4c1e-9a57-0d3c2b1a0f9e"

func fillAddresses(s *Session) {
	s.SetAnswers(map[string]string{
		"senderName":         "Jane Tenant",
		"senderAddress":      "12 Elm St Apt 3",
		"senderCity":         "Springfield",
		"senderState":        "IL",
		"senderZip":          "62701",
		"destinationName":    "Acme Property Management",
		"destinationAddress": "400 Market St",
		"destinationCity":    "Springfield",
		"destinationState":   "il",
		"destinationZip":     "62704-1234",
	})
}

// =============================================================================
// Navigation
// =============================================================================

func TestNavigate_GuardRedirectsUntilTermsAccepted(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)

	for _, loc := range []string{"/form/1", "/edit", "/addresses", "/submitted", "/form/3?x=1"} {
		res := s.Navigate(loc)
		assert.Equal(t, "/", res.Redirect, loc)
	}

	res := s.Navigate("/terms")
	assert.Empty(t, res.Redirect)
	assert.Equal(t, nav.Terms, res.Page)

	s.AcceptTerms()
	res = s.Navigate("/form/1")
	assert.Empty(t, res.Redirect)
	assert.Equal(t, nav.FormPage(1), res.Page)
}

func TestNavigate_DirectionAndPersistence(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)
	s.AcceptTerms()

	assert.Equal(t, nav.None, s.Navigate("/").Direction)
	assert.Equal(t, nav.Forward, s.Navigate("/form/1").Direction)
	assert.Equal(t, nav.Forward, s.Navigate("/form/2/").Direction)
	assert.Equal(t, nav.Backward, s.Navigate("/form/1").Direction)
	assert.Equal(t, nav.State{Current: nav.FormPage(1), Previous: nav.FormPage(2)}, s.State())

	require.True(t, s.SetAnswer("issue1", "No heat since November"))
	assert.False(t, s.SetAnswer("issue99", "ignored"))

	// A second session on the same namespace sees everything.
	again := h.session(t, testID)
	assert.True(t, again.TermsAccepted())
	assert.Equal(t, "No heat since November", again.Answers().Get("issue1"))
	loc, ok := again.Resume()
	require.True(t, ok)
	assert.Equal(t, "/form/1", loc)
}

func TestNavigate_ResetQueryIsConsumed(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)
	s.AcceptTerms()
	s.SetAnswer("issue1", "Broken lock")
	s.Navigate("/form/2")

	res := s.Navigate("/form/2?reset=true")
	assert.Equal(t, "/", res.Redirect)

	assert.False(t, s.TermsAccepted())
	assert.Equal(t, "", s.Answers().Get("issue1"))
	assert.Equal(t, nav.State{}, s.State())
	assert.Equal(t, 0, h.backend.(*store.Memory).Len())

	// The redirect target carries no reset and renders normally.
	res = s.Navigate(res.Redirect)
	assert.Empty(t, res.Redirect)
	assert.Equal(t, nav.Intro, res.Page)
	_, ok := s.Resume()
	assert.False(t, ok)
}

func TestNavigate_SubmittedRequiresGeneratedLetter(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)
	s.AcceptTerms()

	assert.Equal(t, "/edit", s.Navigate("/submitted").Redirect)
}

func TestNavigate_TermsChangeRevokesAcceptance(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)
	s.AcceptTerms()
	require.Empty(t, s.Navigate("/form/1").Redirect)

	edited := config.DefaultQuestions()
	edited.Terms += "\nWe added a clause."
	h.provider.set(edited)

	assert.False(t, s.TermsAccepted())
	assert.Equal(t, "/", s.Navigate("/form/1").Redirect)

	s.AcceptTerms()
	assert.Empty(t, s.Navigate("/form/1").Redirect)
}

func TestNavigate_StoreFailureNeverBlocks(t *testing.T) {
	h := newHarness(t)
	h.deps.Backend = failingBackend{}
	s := h.session(t, testID)

	s.AcceptTerms()
	assert.True(t, s.TermsAccepted())
	assert.True(t, s.SetAnswer("issue1", "Leaking roof"))
	res := s.Navigate("/form/1")
	assert.Empty(t, res.Redirect)
	assert.Equal(t, "Leaking roof", s.Answers().Get("issue1"))

	s.Reset()
	assert.False(t, s.TermsAccepted())
}

// =============================================================================
// Generation
// =============================================================================

func TestGenerate_NeedsVerification(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)
	s.AcceptTerms()

	s.Navigate("/edit")
	s.Wait()
	assert.Equal(t, pipeline.StatusNeedsVerification, s.Letter().Status)
	assert.Equal(t, int32(0), h.text.calls.Load())

	assert.False(t, s.SetVerification(verify.FromWidget("unverified", "x")))
	assert.False(t, s.Verified())
	assert.True(t, s.SetVerification(verify.FromWidget(verify.StateVerified, "proof")))
	assert.True(t, s.Verified())

	s.GenerateLetter()
	s.Wait()
	assert.Equal(t, pipeline.StatusReady, s.Letter().Status)
	assert.Equal(t, int32(1), h.text.calls.Load())
}

func TestGenerate_FullFlowAndMail(t *testing.T) {
	partner, err := mail.NewPartner("")
	require.NoError(t, err)

	h := newHarness(t)
	h.deps.Mailer = partner
	s := h.session(t, testID)
	s.AcceptTerms()
	s.SetAnswer("issue1", "No heat")
	s.SetVerification(verify.FromFormValue("proof"))

	assert.Equal(t, nav.Edit, s.Navigate("/edit").Page)
	s.Wait()
	letter := s.Letter()
	require.Equal(t, pipeline.StatusReady, letter.Status)
	assert.Equal(t, "Dear landlord,\nNo heat", letter.Body)

	// Revisiting edit with unchanged answers is a cache hit.
	s.Navigate("/edit")
	s.Wait()
	assert.Equal(t, int32(1), h.text.calls.Load())

	_, errs := s.GenerateDocument()
	assert.NotEmpty(t, errs, "addresses are empty")

	fillAddresses(s)
	view, errs := s.GenerateDocument()
	require.Empty(t, errs)
	assert.Contains(t, []pipeline.Status{pipeline.StatusPending, pipeline.StatusReady}, view.Status)
	s.Wait()
	doc := s.Document()
	require.Equal(t, pipeline.StatusReady, doc.Status)
	assert.Equal(t, "12 Elm St Apt 3, Springfield, IL 62701", h.docs.last.SenderAddress)
	assert.Equal(t, "400 Market St, Springfield, IL 62704-1234", h.docs.last.ReceiverAddress)

	res := s.Navigate("/submitted")
	require.Empty(t, res.Redirect)
	assert.Equal(t, nav.Submitted, res.Page)
	s.Wait()
	assert.Equal(t, int32(1), h.docs.calls.Load(), "entering submitted reuses the rendered PDF")

	_, err = s.MailLetter(false)
	assert.ErrorIs(t, err, mail.ErrNotConfirmed)
	_, ok := s.Mailed()
	assert.False(t, ok)

	handoff, err := s.MailLetter(true)
	require.NoError(t, err)
	assert.Equal(t, mail.DefaultEndpoint, handoff.Endpoint)
	assert.Equal(t, doc.Document.Bytes, handoff.PDF)
	assert.Contains(t, handoff.Fields, mail.Field{Name: "sendername1", Value: "Jane Tenant"})
	assert.Contains(t, handoff.Fields, mail.Field{Name: "destzip", Value: "62704-1234"})
	_, ok = s.Mailed()
	assert.True(t, ok)
}

func TestGenerate_OverrideRerendersDocumentOnly(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)
	s.AcceptTerms()
	s.SetAnswer("issue1", "Mold")
	s.SetVerification(verify.FromFormValue("proof"))
	fillAddresses(s)

	s.GenerateLetter()
	s.Wait()
	s.GenerateDocument()
	s.Wait()
	require.Equal(t, int32(1), h.docs.calls.Load())

	view := s.SetLetterOverride("Dear landlord,\r\nPlease remove the mold.")
	assert.True(t, view.Edited())
	assert.Equal(t, "Dear landlord,\nPlease remove the mold.", view.Body)
	s.Wait()
	assert.Equal(t, int32(2), h.docs.calls.Load())
	assert.Equal(t, int32(1), h.text.calls.Load())

	// Editing back to the generated text clears the override.
	view = s.SetLetterOverride("Dear landlord,\nMold")
	assert.False(t, view.Edited())
	s.Wait()
	assert.Equal(t, int32(2), h.docs.calls.Load(), "original PDF is cached")
}

func TestGenerate_AnswerChangeInvalidatesLetter(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)
	s.AcceptTerms()
	s.SetVerification(verify.FromFormValue("proof"))

	s.SetAnswer("issue1", "A")
	s.GenerateLetter()
	s.Wait()
	first := s.Snapshot().AnswersFingerprint

	s.SetAnswer("issue1", "B")
	s.GenerateLetter()
	s.Wait()
	assert.NotEqual(t, first, s.Snapshot().AnswersFingerprint)
	assert.Equal(t, "Dear landlord,\nB", s.Letter().Body)
	assert.Equal(t, int32(2), h.text.calls.Load())
}

func TestGenerate_AnswerChangeBeforeAddressesRegeneratesLetter(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)
	s.AcceptTerms()
	s.SetVerification(verify.FromFormValue("proof"))
	s.SetAnswer("issue1", "No heat")

	require.Equal(t, nav.Edit, s.Navigate("/edit").Page)
	s.Wait()
	require.Equal(t, "Dear landlord,\nNo heat", s.Letter().Body)

	s.Navigate("/form/1")
	s.SetAnswer("issue1", "Mold in bathroom")
	assert.NotEqual(t, pipeline.StatusReady, s.Letter().Status, "letter for old answers is not current")

	s.Navigate("/addresses")
	fillAddresses(s)
	_, errs := s.GenerateDocument()
	require.Empty(t, errs)
	s.Wait()

	assert.Equal(t, int32(2), h.text.calls.Load())
	assert.Equal(t, "Dear landlord,\nMold in bathroom", h.docs.last.Body)
	doc := s.Document()
	require.Equal(t, pipeline.StatusReady, doc.Status)
	assert.Equal(t, "%PDF-1.7 Dear landlord,\nMold in bathroom", string(doc.Document.Bytes))
}

func TestGenerate_StaleDocumentNotReadyAfterAnswerChange(t *testing.T) {
	h := newHarness(t)
	partner, err := mail.NewPartner("")
	require.NoError(t, err)
	h.deps.Mailer = partner
	s := h.session(t, testID)
	s.AcceptTerms()
	s.SetVerification(verify.FromFormValue("proof"))
	s.SetAnswer("issue1", "No heat")
	fillAddresses(s)
	s.GenerateDocument()
	s.Wait()
	require.Equal(t, pipeline.StatusReady, s.Document().Status)

	s.SetAnswer("issue1", "Mold in bathroom")
	assert.NotEqual(t, pipeline.StatusReady, s.Document().Status)
	_, err = s.MailLetter(true)
	assert.ErrorIs(t, err, ErrDocumentNotReady)

	res := s.Navigate("/submitted")
	require.Empty(t, res.Redirect)
	s.Wait()
	doc := s.Document()
	require.Equal(t, pipeline.StatusReady, doc.Status)
	assert.Equal(t, "%PDF-1.7 Dear landlord,\nMold in bathroom", string(doc.Document.Bytes))
}

func TestMail_Errors(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)

	_, err := s.MailLetter(true)
	assert.ErrorIs(t, err, ErrMailDisabled)

	partner, err := mail.NewPartner("")
	require.NoError(t, err)
	h.deps.Mailer = partner
	_, err = s.MailLetter(true)
	assert.ErrorIs(t, err, ErrDocumentNotReady)
}

func TestReset_DiscardsGeneratedContent(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, testID)
	s.AcceptTerms()
	s.SetVerification(verify.FromFormValue("proof"))
	s.SetAnswer("issue1", "A")
	s.GenerateLetter()
	s.Wait()
	require.True(t, s.HasCompleted())

	s.Reset()
	assert.False(t, s.HasCompleted())
	assert.Equal(t, pipeline.StatusIdle, s.Letter().Status)
	assert.False(t, s.Verified())
	assert.Equal(t, answers.Address{}, s.Answers().Sender)
}

func TestLetterName(t *testing.T) {
	qs := config.DefaultQuestions()
	assert.Equal(t, "Tenant Complaint Letter - Jane", letterName(qs, answers.Address{Name: "Jane"}))
	assert.True(t, strings.HasPrefix(letterName(qs, answers.Address{}), "Tenant Complaint Letter"))
}
