// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TenantLetter/pkg/config"
	"github.com/AleutianAI/TenantLetter/services/observability"
	"github.com/AleutianAI/TenantLetter/services/wizard/mail"
	"github.com/AleutianAI/TenantLetter/services/wizard/nav"
	"github.com/AleutianAI/TenantLetter/services/wizard/pipeline"
	"github.com/AleutianAI/TenantLetter/services/wizard/session"
	"github.com/AleutianAI/TenantLetter/services/wizard/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeText struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (f *fakeText) GenerateText(_ context.Context, req pipeline.TextRequest) (string, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return "", errors.New("model unavailable")
	}
	return "Dear landlord,\n\n" + req.Answers["issue1"], nil
}

type fakeDocs struct {
	mu   sync.Mutex
	last pipeline.DocumentRequest
}

func (f *fakeDocs) GenerateDocument(_ context.Context, req pipeline.DocumentRequest) ([]byte, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return []byte("%PDF-1.7 " + req.Body), nil
}

func (f *fakeDocs) lastRequest() pipeline.DocumentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// fakeMailer records confirmed letters and prepares real hand-offs.
type fakeMailer struct {
	partner *mail.Partner
	mu      sync.Mutex
	letters []mail.Letter
}

func (f *fakeMailer) Prepare(l mail.Letter) (mail.Handoff, error) {
	h, err := f.partner.Prepare(l)
	if err != nil {
		return mail.Handoff{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.letters = append(f.letters, l)
	return h, nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.letters)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	text     *fakeText
	docs     *fakeDocs
	mailer   *fakeMailer
	sessions *session.Manager
	server   *httptest.Server
	client   *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	partner, err := mail.NewPartner("")
	require.NoError(t, err)
	h := &harness{text: &fakeText{}, docs: &fakeDocs{}, mailer: &fakeMailer{partner: partner}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	h.sessions = session.NewManager(session.Deps{
		Questions: config.NewStaticProvider(config.DefaultQuestions()),
		Backend:   store.NewMemory(),
		Text:      h.text,
		Docs:      h.docs,
		Pipeline: pipeline.Config{
			Timeout:   time.Second,
			SlowAfter: 500 * time.Millisecond,
			Retry:     pipeline.RetryPolicy{Attempts: 1},
		},
		Mailer:  h.mailer,
		Metrics: metrics,
	})

	srv, err := New(Config{
		CookieName:   "tl",
		ChallengeURL: "http://localhost:3001/api/altcha/challenge",
		MailEnabled:  true,
	}, Deps{Sessions: h.sessions, Metrics: metrics, Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)

	h.server = httptest.NewServer(srv.Router())
	t.Cleanup(h.server.Close)
	t.Cleanup(func() { _ = h.sessions.Shutdown(context.Background()) })

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	h.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return h
}

type page struct {
	code     int
	location string
	header   http.Header
	body     string
}

func (h *harness) do(t *testing.T, req *http.Request) page {
	t.Helper()
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return page{code: resp.StatusCode, location: resp.Header.Get("Location"), header: resp.Header, body: string(b)}
}

func (h *harness) get(t *testing.T, path string) page {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	require.NoError(t, err)
	return h.do(t, req)
}

func (h *harness) post(t *testing.T, path string, form url.Values) page {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(t, req)
}

// session returns the server-side session behind the browser's cookie.
func (h *harness) session(t *testing.T) *session.Session {
	t.Helper()
	u, err := url.Parse(h.server.URL)
	require.NoError(t, err)
	for _, c := range h.client.Jar.Cookies(u) {
		if c.Name == "tl" {
			sess, id := h.sessions.Get(c.Value)
			require.Equal(t, c.Value, id)
			return sess
		}
	}
	t.Fatal("no session cookie")
	return nil
}

func (h *harness) acceptTerms(t *testing.T) {
	t.Helper()
	p := h.post(t, "/terms", url.Values{"accept": {"yes"}})
	require.Equal(t, http.StatusSeeOther, p.code)
	require.Equal(t, "/form/1", p.location)
}

func (h *harness) answerQuestions(t *testing.T) {
	t.Helper()
	steps := []struct {
		path string
		form url.Values
		next string
	}{
		{"/form/1", url.Values{"issue1": {"No heat since January."}}, "/form/2"},
		{"/form/2", url.Values{"issue5": {"Yes, by phone."}}, "/form/3"},
		{"/form/3", url.Values{"issue10": {"Fix the furnace."}}, "/edit"},
	}
	for _, s := range steps {
		p := h.post(t, s.path, s.form)
		require.Equal(t, http.StatusSeeOther, p.code, s.path)
		require.Equal(t, s.next, p.location, s.path)
	}
}

func (h *harness) verifyAndWait(t *testing.T) {
	t.Helper()
	p := h.post(t, "/edit", url.Values{"action": {"verify"}, "altcha": {"solved-payload"}})
	require.Equal(t, http.StatusSeeOther, p.code)
	require.Equal(t, "/edit", p.location)
	h.session(t).Wait()
}

func validAddresses() url.Values {
	return url.Values{
		"senderName":         {"Jane Tenant"},
		"senderAddress":      {"12 Elm St Apt 3"},
		"senderCity":         {"Springfield"},
		"senderState":        {"il"},
		"senderZip":          {"62701"},
		"destinationName":    {"Lee Landlord"},
		"destinationCompany": {"Lee Properties"},
		"destinationAddress": {"400 Main St"},
		"destinationCity":    {"Springfield"},
		"destinationState":   {"IL"},
		"destinationZip":     {"62702"},
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresSessions(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestLoadPages_ParsesEveryTemplate(t *testing.T) {
	pages, err := loadPages()
	require.NoError(t, err)
	for _, name := range pageTemplates {
		assert.NotNil(t, pages[name], name)
	}
}

func TestConfigFrom(t *testing.T) {
	app := config.DefaultConfig()
	app.Mail.Enabled = true
	cfg := ConfigFrom(app)
	assert.Equal(t, app.Frontend.Addr, cfg.Addr)
	assert.Equal(t, app.Frontend.CookieName, cfg.CookieName)
	assert.Equal(t, app.Frontend.ChallengeURL, cfg.ChallengeURL)
	assert.True(t, cfg.MailEnabled)
}

// =============================================================================
// Navigation
// =============================================================================

func TestIntro_IssuesSessionCookie(t *testing.T) {
	h := newHarness(t)

	p := h.get(t, "/")
	require.Equal(t, http.StatusOK, p.code)
	assert.Contains(t, p.body, "Write a letter to your landlord")
	assert.Contains(t, p.body, `href="/terms"`)

	cookie := p.header.Get("Set-Cookie")
	assert.Contains(t, cookie, "tl=")
	assert.Contains(t, cookie, "HttpOnly")
	assert.Contains(t, cookie, "SameSite=Lax")

	// The same browser keeps its session.
	p = h.get(t, "/")
	assert.Empty(t, p.header.Get("Set-Cookie"))
}

func TestGuard_ProtectedPagesRedirectToIntro(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/form/1", "/edit", "/addresses", "/submitted"} {
		p := h.get(t, path)
		assert.Equal(t, http.StatusFound, p.code, path)
		assert.Equal(t, "/", p.location, path)
	}
	p := h.get(t, "/terms")
	assert.Equal(t, http.StatusOK, p.code)
	assert.Contains(t, p.body, `name="accept"`)
}

func TestTerms_AcceptUnlocksForm(t *testing.T) {
	h := newHarness(t)

	p := h.post(t, "/terms", url.Values{})
	assert.Equal(t, http.StatusSeeOther, p.code)
	assert.Equal(t, "/terms", p.location)

	h.acceptTerms(t)
	p = h.get(t, "/form/1")
	require.Equal(t, http.StatusOK, p.code)
	assert.Contains(t, p.body, "Tell Us About Your Concerns")
	assert.Contains(t, p.body, `class="current"`)

	// The intro now starts at the first question page and offers resume.
	p = h.get(t, "/")
	assert.Contains(t, p.body, `href="/form/1"`)
	assert.Contains(t, p.body, "Continue where you left off")
}

func TestNavigate_UnknownLocationsLandOnIntro(t *testing.T) {
	h := newHarness(t)
	h.acceptTerms(t)

	p := h.get(t, "/form/9")
	assert.Equal(t, http.StatusFound, p.code)
	assert.Equal(t, "/", p.location)

	p = h.get(t, "/nowhere")
	assert.Equal(t, http.StatusFound, p.code)
	assert.Equal(t, "/", p.location)
}

func TestForm_MissingRequiredRerenders(t *testing.T) {
	h := newHarness(t)
	h.acceptTerms(t)

	p := h.post(t, "/form/1", url.Values{"issue2": {"Kitchen"}})
	require.Equal(t, http.StatusUnprocessableEntity, p.code)
	assert.Contains(t, p.body, "Please answer the required questions.")
	assert.Contains(t, p.body, "Kitchen")

	// Back saves without validating.
	p = h.post(t, "/form/1", url.Values{"action": {"back"}, "issue2": {"Bathroom"}})
	assert.Equal(t, http.StatusSeeOther, p.code)
	assert.Equal(t, "/", p.location)
	assert.Equal(t, "Bathroom", h.session(t).Answers().Answers["issue2"])
}

func TestForm_DirectionFollowsSpine(t *testing.T) {
	h := newHarness(t)
	h.acceptTerms(t)

	h.get(t, "/form/1")
	p := h.get(t, "/form/2")
	assert.Contains(t, p.body, `<main class="forward">`)
	p = h.get(t, "/form/1")
	assert.Contains(t, p.body, `<main class="backward">`)
	p = h.get(t, "/form/1")
	assert.Contains(t, p.body, `<main class="none">`)
}

func TestReset_QueryAndRestart(t *testing.T) {
	h := newHarness(t)
	h.acceptTerms(t)

	p := h.get(t, "/form/2?reset=true")
	assert.Equal(t, http.StatusFound, p.code)
	assert.Equal(t, "/", p.location)
	assert.False(t, h.session(t).TermsAccepted())

	h.acceptTerms(t)
	p = h.post(t, "/restart", nil)
	assert.Equal(t, http.StatusSeeOther, p.code)
	assert.Equal(t, "/", p.location)
	p = h.get(t, "/form/1")
	assert.Equal(t, "/", p.location)
}

// =============================================================================
// Generation
// =============================================================================

func TestEdit_ShowsWidgetUntilVerified(t *testing.T) {
	h := newHarness(t)
	h.acceptTerms(t)
	h.answerQuestions(t)

	p := h.get(t, "/edit")
	require.Equal(t, http.StatusOK, p.code)
	assert.Contains(t, p.body, `<altcha-widget challengeurl="http://localhost:3001/api/altcha/challenge"`)
	assert.Zero(t, h.text.calls.Load())

	// An empty widget field does not start generation.
	p = h.post(t, "/edit", url.Values{"action": {"verify"}})
	assert.Equal(t, http.StatusSeeOther, p.code)
	assert.Zero(t, h.text.calls.Load())

	h.verifyAndWait(t)
	p = h.get(t, "/edit")
	assert.NotContains(t, p.body, "altcha-widget")
	assert.Contains(t, p.body, "No heat since January.")
	assert.EqualValues(t, 1, h.text.calls.Load())
}

func TestEdit_PollDoesNotRetryFailure(t *testing.T) {
	h := newHarness(t)
	h.text.fail.Store(true)
	h.acceptTerms(t)
	h.answerQuestions(t)
	h.verifyAndWait(t)

	p := h.get(t, "/edit?poll=1")
	require.Equal(t, http.StatusOK, p.code)
	assert.Contains(t, p.body, "We could not draft your letter.")
	assert.EqualValues(t, 1, h.text.calls.Load())

	// Entering the page again retries.
	h.text.fail.Store(false)
	h.get(t, "/edit")
	h.session(t).Wait()
	assert.EqualValues(t, 2, h.text.calls.Load())
	p = h.get(t, "/edit?poll=1")
	assert.Contains(t, p.body, "No heat since January.")
}

func TestSubmitted_RequiresLetterAndAddresses(t *testing.T) {
	h := newHarness(t)
	h.acceptTerms(t)
	h.answerQuestions(t)

	p := h.get(t, "/submitted")
	assert.Equal(t, http.StatusFound, p.code)
	assert.Equal(t, "/edit", p.location)

	h.verifyAndWait(t)
	p = h.get(t, "/submitted")
	assert.Equal(t, http.StatusFound, p.code)
	assert.Equal(t, "/addresses", p.location)
}

func TestFullFlow_EditAddressesPDFAndMail(t *testing.T) {
	h := newHarness(t)
	h.acceptTerms(t)
	h.answerQuestions(t)
	h.verifyAndWait(t)

	p := h.post(t, "/edit", url.Values{"action": {"continue"}, "letter": {"Dear landlord,\r\n\r\nPlease fix the heat."}})
	require.Equal(t, http.StatusSeeOther, p.code)
	require.Equal(t, "/addresses", p.location)
	assert.True(t, h.session(t).Letter().Edited())

	bad := validAddresses()
	bad.Set("senderZip", "6270")
	p = h.post(t, "/addresses", bad)
	require.Equal(t, http.StatusUnprocessableEntity, p.code)
	assert.Contains(t, p.body, "Enter a 5 digit ZIP code")
	assert.Contains(t, p.body, `value="IL" selected`)

	p = h.post(t, "/addresses", validAddresses())
	require.Equal(t, http.StatusSeeOther, p.code)
	require.Equal(t, "/submitted", p.location)
	h.session(t).Wait()

	req := h.docs.lastRequest()
	assert.Equal(t, "Dear landlord,\n\nPlease fix the heat.", req.Body)
	assert.Equal(t, "12 Elm St Apt 3, Springfield, IL 62701", req.SenderAddress)

	p = h.get(t, "/submitted")
	require.Equal(t, http.StatusOK, p.code)
	assert.Contains(t, p.body, `src="/letter.pdf"`)
	assert.Contains(t, p.body, `name="confirm"`)

	p = h.get(t, "/letter.pdf")
	require.Equal(t, http.StatusOK, p.code)
	assert.Equal(t, "application/pdf", p.header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(p.header.Get("Content-Disposition"), "inline"))
	assert.Contains(t, p.body, "Please fix the heat.")

	p = h.get(t, "/letter.pdf?download=1")
	assert.True(t, strings.HasPrefix(p.header.Get("Content-Disposition"), "attachment"))

	p = h.post(t, "/mail", url.Values{})
	assert.Equal(t, http.StatusUnprocessableEntity, p.code)
	assert.Contains(t, p.body, "Please confirm")
	assert.Zero(t, h.mailer.count())

	p = h.post(t, "/mail", url.Values{"confirm": {"yes"}})
	require.Equal(t, http.StatusOK, p.code)
	assert.Equal(t, 1, h.mailer.count())
	assert.Equal(t, "text/html; charset=utf-8", p.header.Get("Content-Type"))
	assert.Equal(t, "private, no-store", p.header.Get("Cache-Control"))
	assert.Contains(t, p.body, `action="https://www.onlinecertifiedmail.com/step2.php"`)
	assert.Contains(t, p.body, `target="_blank"`)
	assert.Contains(t, p.body, `enctype="multipart/form-data"`)
	assert.Contains(t, p.body, `name="sendername1" value="Jane Tenant"`)
	assert.Contains(t, p.body, `name="jobfile"`)
	assert.Contains(t, p.body, `data-pdf="`)

	p = h.get(t, "/submitted")
	assert.Contains(t, p.body, "Your certified mail hand-off was opened.")
	assert.Contains(t, p.body, `name="confirm"`, "the hand-off can be opened again")
}

func TestLetterPDF_NotReadyRedirects(t *testing.T) {
	h := newHarness(t)

	p := h.get(t, "/letter.pdf")
	assert.Equal(t, http.StatusFound, p.code)
	assert.Equal(t, "/", p.location)

	h.acceptTerms(t)
	p = h.get(t, "/letter.pdf")
	assert.Equal(t, http.StatusFound, p.code)
	assert.Equal(t, "/submitted", p.location)

	p = h.post(t, "/mail", url.Values{"confirm": {"yes"}})
	assert.Equal(t, http.StatusConflict, p.code)
	assert.Contains(t, p.body, "not ready")
}

func TestStatus_ReportsGeneration(t *testing.T) {
	h := newHarness(t)
	h.acceptTerms(t)
	h.answerQuestions(t)
	h.get(t, "/edit")

	p := h.get(t, "/status")
	require.Equal(t, http.StatusOK, p.code)
	var got struct {
		Page   string `json:"page"`
		Letter struct {
			Status string `json:"status"`
			Verify bool   `json:"verify"`
		} `json:"letter"`
		HasCompleted bool `json:"hasCompleted"`
	}
	require.NoError(t, json.Unmarshal([]byte(p.body), &got))
	assert.Equal(t, "edit", got.Page)
	assert.Equal(t, "needs-verification", got.Letter.Status)
	assert.True(t, got.Letter.Verify)
	assert.False(t, got.HasCompleted)
}

// =============================================================================
// Helpers
// =============================================================================

func TestSteps(t *testing.T) {
	g := nav.NewGraph(3)

	s := steps(g, nav.FormPage(2))
	require.Len(t, s, 5)
	assert.True(t, s[0].Done)
	assert.True(t, s[1].Current)
	assert.False(t, s[2].Done)
	assert.Equal(t, "Review", s[3].Label)
	assert.Equal(t, "Send", s[4].Label)

	assert.Nil(t, steps(g, nav.Intro))
	assert.Nil(t, steps(g, nav.Submitted))
}

func TestParagraphs(t *testing.T) {
	assert.Equal(t, []string{"One.", "Two\nlines."}, paragraphs("One.\r\n\r\n\n\nTwo\nlines.\n"))
	assert.Empty(t, paragraphs("  "))
}

func TestMailFailure(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{mail.ErrNotConfirmed, http.StatusUnprocessableEntity},
		{session.ErrDocumentNotReady, http.StatusConflict},
		{session.ErrMailDisabled, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, msg := mailFailure(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.NotEmpty(t, msg)
	}
}
